package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/trogers1052/signal-executor/internal/exchange"
)

// ErrPlaceholder is returned for key material that was never filled in.
var ErrPlaceholder = errors.New("placeholder key material")

var placeholderMarkers = []string{
	"your_api", "your-api", "yourapi", "api_key_here", "apikeyhere", "secret_here",
	"changeme", "change_me", "placeholder", "example", "insert", "xxxx", "<", ">",
}

// IsPlaceholder reports whether value looks like template text rather than
// a real key. Values made of one repeated character count as placeholders.
func IsPlaceholder(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	for _, m := range placeholderMarkers {
		if strings.Contains(v, m) {
			return true
		}
	}
	return strings.Count(v, v[:1]) == len(v)
}

// ValidateKeyMaterial rejects control characters and placeholder values.
// It runs when a credential is written and again when it is resolved.
func ValidateKeyMaterial(apiKey, apiSecret string) error {
	if err := (exchange.Keys{APIKey: apiKey, APISecret: apiSecret}).Validate(); err != nil {
		return err
	}
	if IsPlaceholder(apiKey) {
		return fmt.Errorf("%w: api_key", ErrPlaceholder)
	}
	if IsPlaceholder(apiSecret) {
		return fmt.Errorf("%w: api_secret", ErrPlaceholder)
	}
	return nil
}
