package models

import "time"

// Execution event types published for operators
const (
	EventSignalGated         = "signal.gated"
	EventSignalFailed        = "signal.failed"
	EventSignalStale         = "signal.stale"
	EventReceiptFailed       = "signal.receipt_failed"
	EventOrderSubmitted      = "order.submitted"
	EventOrderRejected       = "order.rejected"
	EventOrderPolicyBlocked  = "order.policy_blocked"
	EventOrderClosed         = "order.closed"
	EventSharedCredential    = "credential.shared_used"
	EventCredentialInvalid   = "credential.invalidated"
	EventDuplicateSuppressed = "duplicate.suppressed"
)

// ExecutionEvent is one structured record on the operator channel
type ExecutionEvent struct {
	EventType   string          `json:"event_type"`
	Source      string          `json:"source"`
	Timestamp   time.Time       `json:"timestamp"`
	SignalID    string          `json:"signal_id,omitempty"`
	UserID      int64           `json:"user_id,omitempty"`
	OrderID     int64           `json:"order_id,omitempty"`
	Symbol      string          `json:"symbol,omitempty"`
	Side        Side            `json:"side,omitempty"`
	FailureKind string          `json:"failure_kind,omitempty"`
	Code        int             `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Decision    *MarketDecision `json:"decision,omitempty"`
	// Payload carries the raw webhook body when no receipt row holds it.
	Payload string `json:"payload,omitempty"`
}
