package models

import "time"

// MarketDecision is the externally produced allow-long/allow-short verdict
type MarketDecision struct {
	AllowLong  bool      `json:"allow_long"`
	AllowShort bool      `json:"allow_short"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Allows reports whether a new position on side may be opened.
func (d MarketDecision) Allows(side Side) bool {
	if side == SideBuy {
		return d.AllowLong
	}
	return d.AllowShort
}
