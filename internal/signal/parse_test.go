package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/models"
)

func TestParse_Vocabulary(t *testing.T) {
	tests := []struct {
		action     string
		strength   string
		intent     Intent
		side       models.Side
		tier       Tier
		executable bool
		orderSide  models.Side
	}{
		{"SINAL LONG FORTE", "", IntentOpen, models.SideBuy, TierStrong, true, models.SideBuy},
		{"sinal short forte", "", IntentOpen, models.SideSell, TierStrong, true, models.SideSell},
		{"SINAL LONG", "", IntentOpen, models.SideBuy, TierAdvisory, false, models.SideBuy},
		{"SINAL SHORT", "", IntentOpen, models.SideSell, TierAdvisory, false, models.SideSell},
		{"buy", "strong", IntentOpen, models.SideBuy, TierStrong, true, models.SideBuy},
		{"STRONG LONG", "", IntentOpen, models.SideBuy, TierStrong, true, models.SideBuy},
		{"FECHE LONG", "", IntentClose, models.SideBuy, TierAdvisory, true, models.SideSell},
		{"CLOSE SHORT", "", IntentClose, models.SideSell, TierAdvisory, true, models.SideBuy},
		{"  Fechar   Short ", "", IntentClose, models.SideSell, TierAdvisory, true, models.SideBuy},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			inst, err := Parse(tt.action, tt.strength)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, inst.Intent)
			assert.Equal(t, tt.side, inst.Side)
			assert.Equal(t, tt.tier, inst.Tier)
			assert.Equal(t, tt.executable, inst.Executable())
			assert.Equal(t, tt.orderSide, inst.OrderSide())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, action := range []string{"", "   ", "LONG SHORT", "SINAL FORTE", "HOLD"} {
		_, err := Parse(action, "")
		require.Error(t, err, action)
		assert.Equal(t, failure.KindInvalidSignal, failure.KindOf(err), action)
	}
}
