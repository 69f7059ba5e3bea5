// Package transport applies envelope encryption to HTTP traffic. It decides
// per request whether encryption applies, rewrites outgoing requests, and
// decrypts matching responses using the key material remembered for their
// request.
package transport

import (
	"context"
	"strings"
)

// Header names are matched case-insensitively, so the legacy "x-iv" and the
// debug "X-IV" are the same header on the wire.
const (
	// HeaderSkipEncryption opts a single request out of encryption.
	HeaderSkipEncryption = "X-Skip-Encryption"
	// HeaderForceEncryption encrypts a request regardless of method and exclusions.
	HeaderForceEncryption = "X-Force-Encryption"

	// HeaderEncryptedKey carries the wrapped AES key for requests without a body.
	HeaderEncryptedKey = "X-Encrypted-Key"
	// HeaderIV carries the IV for requests without a body. Older servers also
	// send the response auth tag in it.
	HeaderIV = "X-IV"

	// HeaderAESKey echoes the raw AES key when key material echo is enabled.
	// It must only ever be used against local test peers.
	HeaderAESKey = "X-AES-Key"

	// HeaderAuthTag carries the response auth tag when it isn't in the body.
	HeaderAuthTag = "X-Auth-Tag"
)

// controlHeaders are consumed by the policy and never sent.
var controlHeaders = []string{HeaderSkipEncryption, HeaderForceEncryption}

func isTrue(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), "true")
}

type tokenKey struct{}

// WithToken returns a copy of ctx carrying the correlation token of an
// encrypted request.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the correlation token carried by ctx, if any.
func TokenFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok && token != ""
}
