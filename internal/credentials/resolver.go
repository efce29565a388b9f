// Package credentials picks the exchange credential used for a user.
package credentials

import (
	"context"
	"fmt"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/models"
)

// Store reads individual credentials
type Store interface {
	ListUserCredentials(ctx context.Context, userID int64, exchange, environment string) ([]*models.Credential, error)
}

// Resolution is the chosen credential and the precedence branch that produced it.
type Resolution struct {
	Credential *models.Credential
	Branch     models.CredentialVariant
	// Skipped counts individual credentials passed over as placeholders or malformed.
	Skipped int
}

// Resolver applies individual-then-shared precedence. It never writes.
type Resolver struct {
	store       Store
	environment string
	shared      *models.Credential
}

// NewResolver builds a resolver. The shared credential is taken from process
// configuration and is absent when its key material is unusable.
func NewResolver(store Store, shared config.SharedCredentialConfig) *Resolver {
	r := &Resolver{store: store, environment: shared.Environment}
	if shared.Configured() && ValidateKeyMaterial(shared.APIKey, shared.APISecret) == nil {
		r.shared = &models.Credential{
			Environment:      shared.Environment,
			APIKey:           shared.APIKey,
			APISecret:        shared.APISecret,
			IsActive:         true,
			ValidationStatus: models.ValidationValid,
			Variant:          models.CredentialShared,
		}
	}
	return r
}

// HasShared reports whether a fallback credential is available.
func (r *Resolver) HasShared() bool {
	return r.shared != nil
}

// Resolve returns the credential to use for userID on exchange.
func (r *Resolver) Resolve(ctx context.Context, userID int64, exchange string) (Resolution, error) {
	creds, err := r.store.ListUserCredentials(ctx, userID, exchange, r.environment)
	if err != nil {
		// a store outage is not a missing credential; the caller retries it
		return Resolution{}, fmt.Errorf("failed to list credentials: %w", err)
	}

	skipped := 0
	for _, c := range creds {
		if !c.IsActive || c.ValidationStatus != models.ValidationValid {
			continue
		}
		if ValidateKeyMaterial(c.APIKey, c.APISecret) != nil {
			skipped++
			continue
		}
		return Resolution{Credential: c, Branch: models.CredentialIndividual, Skipped: skipped}, nil
	}

	if r.shared == nil {
		return Resolution{Skipped: skipped}, failure.New(failure.KindCredentialUnavailable,
			fmt.Sprintf("user %d has no valid credential for %s and no shared fallback is configured", userID, exchange))
	}
	shared := *r.shared
	shared.Exchange = exchange
	return Resolution{Credential: &shared, Branch: models.CredentialShared, Skipped: skipped}, nil
}
