// Package signal interprets the provider's action vocabulary.
package signal

import (
	"strings"

	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/models"
)

// Intent is what a signal asks the engine to do
type Intent string

const (
	IntentOpen  Intent = "open"
	IntentClose Intent = "close"
)

// Tier is the strength classification of a signal
type Tier string

const (
	TierStrong   Tier = "strong"
	TierAdvisory Tier = "advisory"
)

// Instruction is a parsed action.
type Instruction struct {
	Intent Intent
	// Side is the side of the position being opened or closed: Buy for long, Sell for short.
	Side models.Side
	Tier Tier
}

// Executable reports whether the instruction may reach the exchange.
// Advisory opens are recorded only; closes always execute.
func (i Instruction) Executable() bool {
	return i.Intent == IntentClose || i.Tier == TierStrong
}

// OrderSide is the side of the order that carries out the instruction.
func (i Instruction) OrderSide() models.Side {
	if i.Intent == IntentClose {
		return i.Side.Opposite()
	}
	return i.Side
}

var (
	strongWords = map[string]bool{"FORTE": true, "STRONG": true}
	closeWords  = map[string]bool{"FECHE": true, "FECHAR": true, "FECHA": true, "CLOSE": true, "EXIT": true}
	noiseWords  = map[string]bool{"SINAL": true, "SIGNAL": true}
	longWords   = map[string]bool{"LONG": true, "BUY": true, "COMPRA": true}
	shortWords  = map[string]bool{"SHORT": true, "SELL": true, "VENDA": true}
)

// Parse maps an action string and optional strength hint to an Instruction.
func Parse(action, strength string) (Instruction, error) {
	words := strings.Fields(strings.ToUpper(strings.TrimSpace(action)))
	if len(words) == 0 {
		return Instruction{}, failure.New(failure.KindInvalidSignal, "empty action")
	}

	var (
		inst              = Instruction{Intent: IntentOpen, Tier: TierAdvisory}
		sawLong, sawShort bool
	)
	for _, w := range words {
		switch {
		case noiseWords[w]:
		case strongWords[w]:
			inst.Tier = TierStrong
		case closeWords[w]:
			inst.Intent = IntentClose
		case longWords[w]:
			sawLong = true
		case shortWords[w]:
			sawShort = true
		default:
			return Instruction{}, failure.New(failure.KindInvalidSignal, "unrecognised action word "+w)
		}
	}

	switch {
	case sawLong && !sawShort:
		inst.Side = models.SideBuy
	case sawShort && !sawLong:
		inst.Side = models.SideSell
	default:
		return Instruction{}, failure.New(failure.KindInvalidSignal, "action has no single direction: "+action)
	}

	if s := strings.ToUpper(strings.TrimSpace(strength)); strongWords[s] {
		inst.Tier = TierStrong
	}
	return inst, nil
}
