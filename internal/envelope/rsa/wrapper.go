package rsa

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/jetstack/payload-envelope/internal/envelope/hexcodec"
)

// ErrKeyWrapFailed is matched by every error returned from WrapAESKey.
var ErrKeyWrapFailed = errors.New("failed to wrap AES key")

// WrapAESKey decodes the hex AES key, encrypts it with RSA-OAEP-SHA256 under
// the PEM-encoded public key and returns the result as hex.
func WrapAESKey(aesKeyHex string, publicKeyPEM string) (string, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return "", fmt.Errorf("%w: RSA public key is absent", ErrKeyWrapFailed)
	}

	publicKey, err := LoadPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyWrapFailed, err)
	}

	return WrapAESKeyWithKey(aesKeyHex, publicKey)
}

// WrapAESKeyWithKey is WrapAESKey for an already parsed public key.
func WrapAESKeyWithKey(aesKeyHex string, publicKey *rsa.PublicKey) (string, error) {
	if err := ValidatePublicKey(publicKey); err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyWrapFailed, err)
	}

	aesKey, err := hexcodec.Decode(aesKeyHex)
	if err != nil {
		return "", fmt.Errorf("%w: AES key: %w", ErrKeyWrapFailed, err)
	}

	if len(aesKey) == 0 {
		return "", fmt.Errorf("%w: AES key cannot be empty", ErrKeyWrapFailed)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, aesKey, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyWrapFailed, err)
	}

	return hexcodec.Encode(wrapped), nil
}
