package models

import "time"

// CredentialVariant distinguishes owned keys from the shared fallback
type CredentialVariant string

const (
	CredentialIndividual CredentialVariant = "individual"
	CredentialShared     CredentialVariant = "shared"
)

// ValidationStatus is the result of the last credential check
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationPending ValidationStatus = "pending"
	ValidationInvalid ValidationStatus = "invalid"
)

// Credential is an exchange API key pair
type Credential struct {
	ID               int64             `json:"id"`
	UserID           *int64            `json:"user_id,omitempty"`
	Exchange         string            `json:"exchange"`
	Environment      string            `json:"environment"`
	APIKey           string            `json:"-"`
	APISecret        string            `json:"-"`
	IsActive         bool              `json:"is_active"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	Variant          CredentialVariant `json:"variant"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// LeaseKey identifies the credential for per-key mutual exclusion.
func (c *Credential) LeaseKey() string {
	if c.Variant == CredentialShared {
		return "shared:" + c.Exchange + ":" + c.Environment
	}
	return "individual:" + itoa(c.ID)
}

// User is an account that receives fan-out orders
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}
