package envelope

import (
	"errors"

	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
)

var (
	// ErrEncryptionFailed is matched by every error returned from EncryptPayload
	// and NewKeyExchange. The underlying cause stays reachable with errors.Is.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is matched by every error returned from DecryptResponse
	// and OpenResponse.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Envelope is the wire form of an encrypted payload. All fields are lowercase hex.
//
// When encryption is disabled, Ciphertext holds the serialised plaintext and
// every other field is empty.
type Envelope struct {
	// Ciphertext is the AES-GCM ciphertext without the authentication tag
	Ciphertext string `json:"encryptedValue"`
	// WrappedKey is the AES key encrypted with RSA-OAEP-SHA256
	WrappedKey string `json:"encryptedKey"`
	// IV is the GCM nonce
	IV string `json:"iv"`
	// AuthTag is the 16 byte GCM authentication tag
	AuthTag string `json:"authTag"`
}

// Encrypted reports whether e carries ciphertext rather than bypassed plaintext.
func (e *Envelope) Encrypted() bool {
	return e != nil && e.WrappedKey != ""
}

// DecryptInput holds everything needed to decrypt one response.
type DecryptInput struct {
	Ciphertext string
	AESKey     string
	IV         string
	AuthTag    string
}

// KeyExchange is the wrapped key and IV sent in headers for requests without
// a body. The server encrypts its response with the unwrapped key and IV.
type KeyExchange struct {
	WrappedKey string
	IV         string

	// KeyMaterial is kept by the client to decrypt the response; it is never sent.
	KeyMaterial keymaterial.KeyMaterial
}
