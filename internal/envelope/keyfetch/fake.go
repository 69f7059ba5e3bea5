package keyfetch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"

	keyrsa "github.com/jetstack/payload-envelope/internal/envelope/rsa"
)

// Compile-time check that FakeClient implements KeyFetcher
var _ KeyFetcher = (*FakeClient)(nil)

// FakeClient is a fake implementation of the key fetcher for testing.
// It can be configured to return specific keys or errors for testing different scenarios.
type FakeClient struct {
	mu sync.Mutex

	// Key is the public key that will be returned by FetchKey.
	// If nil, a random key will be generated on the first call.
	Key *PublicKey

	// Err is the error that will be returned by FetchKey.
	// If both Key and Err are set, Err takes precedence.
	Err error

	// PrivateKey is set when the fake generated its own key, so that tests
	// can unwrap AES keys wrapped under Key.
	PrivateKey *rsa.PrivateKey

	// FetchKeyCalls tracks how many times FetchKey was called
	FetchKeyCalls int
}

// NewFakeClient creates a new fake client for testing.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// NewFakeClientWithKey creates a new fake client that returns the specified key.
func NewFakeClientWithKey(keyID string, key *rsa.PublicKey) *FakeClient {
	pemValue, _ := keyrsa.EncodePublicKeyPEM(key)

	return &FakeClient{
		Key: &PublicKey{
			KeyID: keyID,
			Key:   key,
			PEM:   pemValue,
		},
	}
}

// NewFakeClientWithError creates a new fake client that returns the specified error.
func NewFakeClientWithError(err error) *FakeClient {
	return &FakeClient{
		Err: err,
	}
}

// Calls returns the number of FetchKey calls so far.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.FetchKeyCalls
}

// FetchKey implements the key fetching interface for testing.
// It returns the configured key or error, or generates a random key if none is configured.
func (f *FakeClient) FetchKey(ctx context.Context) (PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.FetchKeyCalls++

	if ctx.Err() != nil {
		return PublicKey{}, ctx.Err()
	}

	if f.Err != nil {
		return PublicKey{}, f.Err
	}

	if f.Key != nil {
		return *f.Key, nil
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keyrsa.MinKeySize)
	if err != nil {
		return PublicKey{}, fmt.Errorf("failed to generate test key: %w", err)
	}

	pemValue, err := keyrsa.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return PublicKey{}, err
	}

	generatedKey := PublicKey{
		KeyID: "test-key",
		Key:   &privateKey.PublicKey,
		PEM:   pemValue,
	}

	// Cache the generated key for subsequent calls
	f.Key = &generatedKey
	f.PrivateKey = privateKey

	return generatedKey, nil
}
