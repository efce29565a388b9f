package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/metrics"
	"github.com/trogers1052/signal-executor/internal/models"
)

const (
	maxBodyBytes      = 64 << 10
	receiptTimeout    = 10 * time.Second
	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

// Store is the persistence the HTTP layer reads and writes
type Store interface {
	CreateSignal(ctx context.Context, s *models.Signal) error
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	ListOrders(ctx context.Context, userID int64, limit int) ([]*models.Order, error)
	Ping(ctx context.Context) error
}

// Queue hands a persisted receipt to the workers
type Queue interface {
	Enqueue(ctx context.Context, s *models.Signal) error
}

// Publisher emits operator-visible events
type Publisher interface {
	Publish(ctx context.Context, ev models.ExecutionEvent)
}

// Pinger is an optional dependency checked by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store     Store
	queue     Queue
	events    Publisher
	redis     Pinger
	token     string
	ackBudget time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(store Store, queue Queue, events Publisher, redis Pinger, cfg config.ServerConfig, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		queue:     queue,
		events:    events,
		redis:     redis,
		token:     cfg.WebhookToken,
		ackBudget: cfg.AckBudget,
		logger:    logging.OrNop(logger).Named("api"),
	}
}

type ackResponse struct {
	Success   bool      `json:"success"`
	WebhookID string    `json:"webhook_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// ReceiveSignal handles POST /signal?token=
//
// Only the token check happens before the answer. The receipt write and
// enqueue run on their own context and the response goes out as soon as
// they finish or the ack budget runs out, whichever is first.
func (h *Handler) ReceiveSignal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.WebhookAckSeconds.Observe(time.Since(start).Seconds()) }()

	if !h.validToken(r.URL.Query().Get("token")) {
		metrics.WebhookRequests.WithLabelValues("unauthorized").Inc()
		h.logger.Warn("webhook rejected: invalid token", zap.String("remote_addr", r.RemoteAddr))
		respondJSON(w, http.StatusUnauthorized, ackResponse{Error: "invalid token", Timestamp: start.UTC()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
	}
	sig := newReceipt(body, start)

	done := make(chan error, 1)
	go func() {
		done <- h.accept(context.WithoutCancel(r.Context()), sig)
	}()

	timer := time.NewTimer(h.ackBudget)
	defer timer.Stop()
	result := "accepted"
	select {
	case err := <-done:
		if err != nil {
			result = "receipt_failed"
		}
	case <-timer.C:
		result = "deferred"
		h.logger.Warn("webhook acknowledged before receipt completed",
			zap.String("signal_id", sig.ID), zap.Duration("budget", h.ackBudget))
	}
	metrics.WebhookRequests.WithLabelValues(result).Inc()

	respondJSON(w, http.StatusOK, ackResponse{Success: true, WebhookID: sig.ID, Timestamp: start.UTC()})
}

// accept persists the receipt and enqueues it. A failed enqueue leaves the
// signal PENDING for the recovery sweep. A failed write has no row to
// recover from, so the body goes out on the operator channel.
func (h *Handler) accept(ctx context.Context, sig *models.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	if err := h.store.CreateSignal(ctx, sig); err != nil {
		h.logger.Error("failed to persist signal receipt",
			zap.String("signal_id", sig.ID), zap.ByteString("payload", sig.RawPayload), zap.Error(err))
		h.events.Publish(ctx, models.ExecutionEvent{
			EventType: models.EventReceiptFailed,
			Timestamp: sig.ReceivedAt,
			SignalID:  sig.ID,
			Symbol:    sig.Symbol,
			Message:   err.Error(),
			Payload:   string(sig.RawPayload),
		})
		return err
	}
	if err := h.queue.Enqueue(ctx, sig); err != nil {
		h.logger.Warn("failed to enqueue signal; recovery sweep will pick it up",
			zap.String("signal_id", sig.ID), zap.Error(err))
		return nil
	}
	h.logger.Info("signal received",
		zap.String("signal_id", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("action", sig.Action))
	return nil
}

func (h *Handler) validToken(got string) bool {
	if h.token == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// newReceipt builds the immutable receipt. Fields are lifted from the body
// when it is JSON; anything else is stored raw and rejected by the worker.
func newReceipt(body []byte, receivedAt time.Time) *models.Signal {
	sig := &models.Signal{
		ID:         uuid.NewString(),
		Source:     "webhook",
		RawPayload: body,
		ReceivedAt: receivedAt.UTC(),
		Status:     models.SignalPending,
	}
	var p models.SignalPayload
	if json.Unmarshal(body, &p) == nil {
		sig.Symbol = strings.ToUpper(strings.TrimSpace(p.SymbolOrTicker()))
		sig.Action = p.Action
		sig.Strength = p.Strength
	}
	return sig
}

// GetSignal handles GET /api/v1/signals/{id}
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, err := h.store.GetSignal(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "signal not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, s)
}

// ListOrders handles GET /api/v1/orders?user_id=&limit=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	limit := defaultOrderLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxOrderLimit)
	}

	orders, err := h.store.ListOrders(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	respondJSON(w, http.StatusOK, orders)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  map[string]string{},
	}
	services := health["services"].(map[string]string)
	allHealthy := true

	// Check database
	if err := h.store.Ping(ctx); err != nil {
		services["postgres"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		services["postgres"] = "healthy"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
		} else {
			services["redis"] = "healthy"
		}
	} else {
		services["redis"] = "not configured"
	}

	if !allHealthy {
		health["status"] = "degraded"
	}

	respondJSON(w, http.StatusOK, health)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
