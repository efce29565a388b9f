package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedMaterial is returned when key material or a parameter carries
// control or NUL characters.
var ErrMalformedMaterial = errors.New("malformed key material")

// Keys is the API key pair used to sign one request.
type Keys struct {
	APIKey    string
	APISecret string
}

// Validate rejects empty or malformed key material.
func (k Keys) Validate() error {
	if k.APIKey == "" || k.APISecret == "" {
		return fmt.Errorf("%w: api key and secret are required", ErrMalformedMaterial)
	}
	if err := ValidateMaterial("api_key", k.APIKey); err != nil {
		return err
	}
	return ValidateMaterial("api_secret", k.APISecret)
}

// ValidateMaterial rejects strings containing ASCII control characters, DEL or NUL.
func ValidateMaterial(field, value string) error {
	for i, r := range value {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %s has control character at offset %d", ErrMalformedMaterial, field, i)
		}
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%w: %s has surrounding whitespace", ErrMalformedMaterial, field)
	}
	return nil
}

// Param is a single query parameter. Params keep the order the exchange
// expects, since the signature covers the exact query string sent.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter list.
type Params []Param

// Add appends a parameter and returns the list for chaining.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Encode renders key=value pairs joined by & in insertion order.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

func (p Params) validate() error {
	for _, kv := range p {
		if err := ValidateMaterial(kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

// Sign computes hex(HMAC_SHA256(secret, timestamp + apiKey + recvWindow + payload)).
// payload is the query string for GET requests and the raw JSON body for POST.
func Sign(secret string, timestamp int64, apiKey string, recvWindow int64, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(apiKey))
	mac.Write([]byte(strconv.FormatInt(recvWindow, 10)))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
