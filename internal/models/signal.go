package models

import (
	"encoding/json"
	"time"
)

// SignalStatus tracks a webhook signal through the worker pipeline
type SignalStatus string

const (
	SignalPending         SignalStatus = "PENDING"
	SignalProcessing      SignalStatus = "PROCESSING"
	SignalProcessed       SignalStatus = "PROCESSED"
	SignalFailedGated     SignalStatus = "FAILED_GATED"
	SignalFailedRetryable SignalStatus = "FAILED_RETRYABLE"
	SignalFailed          SignalStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s SignalStatus) Terminal() bool {
	return s == SignalProcessed || s == SignalFailedGated || s == SignalFailed
}

// Side is the exchange order side
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signal is an inbound alert from the charting provider
type Signal struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Symbol      string          `json:"symbol"`
	Action      string          `json:"action"`
	Strength    string          `json:"strength,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	Status      SignalStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	FailureKind string          `json:"failure_kind,omitempty"`
	FailureMsg  string          `json:"failure_message,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SignalPayload is the provider-defined JSON body we understand
type SignalPayload struct {
	Symbol   string `json:"symbol"`
	Ticker   string `json:"ticker"`
	Action   string `json:"action"`
	Strength string `json:"strength"`
	Quantity string `json:"quantity"`
	UserID   int64  `json:"user_id"`
}

// SymbolOrTicker returns whichever symbol field the provider populated.
func (p SignalPayload) SymbolOrTicker() string {
	if p.Symbol != "" {
		return p.Symbol
	}
	return p.Ticker
}
