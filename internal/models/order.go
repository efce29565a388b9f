package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the execution state machine state
type OrderStatus string

const (
	OrderRequested       OrderStatus = "REQUESTED"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderClosed          OrderStatus = "CLOSED"
	OrderFailedPolicy    OrderStatus = "FAILED_POLICY"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderRequested:       {OrderSubmitted, OrderRejected, OrderFailedPolicy, OrderCancelled},
	OrderSubmitted:       {OrderFilled, OrderPartiallyFilled, OrderRejected, OrderCancelled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderClosed},
	OrderFilled:          {OrderClosed},
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// Order is one exchange order placed on behalf of a user for a signal
type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	SignalID        string          `json:"signal_id"`
	CredentialID    *int64          `json:"credential_id,omitempty"`
	CredentialKind  string          `json:"credential_variant"`
	OrderLinkID     string          `json:"order_link_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	OrderType       OrderType       `json:"order_type"`
	ReduceOnly      bool            `json:"reduce_only"`
	Status          OrderStatus     `json:"status"`
	Version         int64           `json:"version"`
	Pnl             decimal.Decimal `json:"pnl"`
	FailureKind     string          `json:"failure_kind,omitempty"`
	FailureMsg      string          `json:"failure_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Position is the exchange-reported holding for one symbol/side
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	UnrealisedPnl decimal.Decimal `json:"unrealised_pnl"`
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
