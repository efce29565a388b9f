package api

import (
	"github.com/gorilla/mux"

	"github.com/trogers1052/signal-executor/internal/metrics"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler) *mux.Router {
	r := mux.NewRouter()

	// Provider webhook
	r.HandleFunc("/signal", handler.ReceiveSignal).Methods("POST")

	// Operations
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Read API
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/signals/{id}", handler.GetSignal).Methods("GET")
	api.HandleFunc("/orders", handler.ListOrders).Methods("GET")

	return r
}
