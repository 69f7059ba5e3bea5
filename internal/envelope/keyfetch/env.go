package keyfetch

import (
	"context"
	"fmt"
	"os"
	"strings"

	keyrsa "github.com/jetstack/payload-envelope/internal/envelope/rsa"
)

// DefaultPublicKeyEnvVar is the environment variable read by an EnvSource when
// no other variable is configured.
const DefaultPublicKeyEnvVar = "ENVELOPE_RSA_PUBLIC_KEY"

// Compile-time check that EnvSource implements KeyFetcher
var _ KeyFetcher = (*EnvSource)(nil)

// EnvSource provides a pre-provisioned PEM public key. An inline PEM from
// configuration takes precedence over the environment variable, which is read
// when FetchKey is called.
type EnvSource struct {
	inlinePEM string
	variable  string
	lookupEnv func(string) (string, bool)
}

// NewEnvSource creates an env key source. If variable is empty,
// DefaultPublicKeyEnvVar is used.
func NewEnvSource(inlinePEM string, variable string) *EnvSource {
	if variable == "" {
		variable = DefaultPublicKeyEnvVar
	}

	return &EnvSource{
		inlinePEM: inlinePEM,
		variable:  variable,
		lookupEnv: os.LookupEnv,
	}
}

// FetchKey parses the configured PEM. It fails if no PEM is available.
func (s *EnvSource) FetchKey(ctx context.Context) (PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return PublicKey{}, err
	}

	pemValue := s.inlinePEM
	if pemValue == "" {
		pemValue, _ = s.lookupEnv(s.variable)
	}

	if strings.TrimSpace(pemValue) == "" {
		return PublicKey{}, fmt.Errorf("no public key PEM configured and %s is not set", s.variable)
	}

	// PEM values in .env files and container manifests are often written on a
	// single line with literal "\n" separators
	if !strings.Contains(pemValue, "\n") {
		pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")
	}

	key, err := keyrsa.LoadPublicKeyFromPEM([]byte(pemValue))
	if err != nil {
		return PublicKey{}, fmt.Errorf("failed to load public key from %s: %w", s.variable, err)
	}

	if err := keyrsa.ValidatePublicKey(key); err != nil {
		return PublicKey{}, err
	}

	return PublicKey{
		KeyID: Fingerprint(key),
		Key:   key,
		PEM:   pemValue,
	}, nil
}
