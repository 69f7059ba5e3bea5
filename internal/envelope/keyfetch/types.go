package keyfetch

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/jetstack/payload-envelope/internal/envelope/hexcodec"
)

// ErrKeySourceUnavailable is returned when neither key source produced a
// usable key. It is fatal for the pending operation and isn't retried until the
// provider is Reset.
var ErrKeySourceUnavailable = errors.New("no RSA public key source available")

// Source names where a public key came from.
type Source string

const (
	SourceEnv Source = "env"
	SourceAPI Source = "api"
)

// ParseSource converts a configuration value to a Source. The empty string
// selects the default, SourceEnv.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourceEnv:
		return SourceEnv, nil
	case SourceAPI:
		return SourceAPI, nil
	}

	return "", fmt.Errorf("unknown public key source %q (expected %q or %q)", s, SourceEnv, SourceAPI)
}

// Other returns the fallback for s.
func (s Source) Other() Source {
	if s == SourceAPI {
		return SourceEnv
	}

	return SourceAPI
}

// KeyFetcher is an interface for fetching public keys.
type KeyFetcher interface {
	// FetchKey retrieves a public key from the key source.
	FetchKey(ctx context.Context) (PublicKey, error)
}

// PublicKey represents an RSA public key retrieved from a key source.
type PublicKey struct {
	// KeyID identifies the key; sources without key IDs use the key fingerprint
	KeyID string

	// Key is the actual RSA public key
	Key *rsa.PublicKey

	// PEM is the PKIX PEM encoding of Key
	PEM string
}

// Fingerprint returns the first 8 bytes of the SHA-256 of the key's PKIX DER
// encoding, hex-encoded.
func Fingerprint(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(der)

	return hexcodec.Encode(sum[:8])
}
