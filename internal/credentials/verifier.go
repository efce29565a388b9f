package credentials

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/models"
	"github.com/trogers1052/signal-executor/internal/retry"
)

// ValidationStore is the write side used by the verifier
type ValidationStore interface {
	ListPendingCredentials(ctx context.Context, limit int) ([]*models.Credential, error)
	MarkCredentialValid(ctx context.Context, id int64) error
	MarkCredentialInvalid(ctx context.Context, id int64) error
}

// BalanceReader is the authenticated read used as a key check
type BalanceReader interface {
	GetWalletBalance(ctx context.Context, keys exchange.Keys, coin string) (exchange.WalletBalance, error)
}

// Verifier promotes pending credentials to valid or invalid by making one
// read-only signed call with each.
type Verifier struct {
	store  ValidationStore
	client BalanceReader
	coin   string
	logger *zap.Logger
}

// NewVerifier creates a verifier
func NewVerifier(store ValidationStore, client BalanceReader, coin string, logger *zap.Logger) *Verifier {
	return &Verifier{store: store, client: client, coin: coin, logger: logging.OrNop(logger).Named("credential-verifier")}
}

// VerifyPending checks up to limit pending credentials. Transient and
// policy failures leave the credential pending for the next pass.
func (v *Verifier) VerifyPending(ctx context.Context, limit int) (int, error) {
	pending, err := v.store.ListPendingCredentials(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, c := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if ValidateKeyMaterial(c.APIKey, c.APISecret) != nil {
			if err := v.store.MarkCredentialInvalid(ctx, c.ID); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		_, callErr := v.client.GetWalletBalance(ctx, exchange.Keys{APIKey: c.APIKey, APISecret: c.APISecret}, v.coin)
		cls := retry.Classify(callErr)
		switch {
		case callErr == nil:
			err = v.store.MarkCredentialValid(ctx, c.ID)
		case cls.InvalidatesCredential:
			err = v.store.MarkCredentialInvalid(ctx, c.ID)
		default:
			v.logger.Info("credential check inconclusive",
				zap.Int64("credential_id", c.ID),
				zap.String("class", cls.Class.String()),
				zap.Error(callErr))
			continue
		}
		if err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// Run verifies pending credentials every interval until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := v.VerifyPending(ctx, batch)
		if err != nil && ctx.Err() == nil {
			v.logger.Error("credential verification pass failed", zap.Error(err))
		} else if n > 0 {
			v.logger.Info("credentials verified", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
