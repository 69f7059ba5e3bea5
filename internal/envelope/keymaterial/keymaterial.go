// Package keymaterial generates the per-operation AES key and GCM nonce used
// for envelope encryption.
package keymaterial

import (
	"crypto/rand"

	"github.com/jetstack/payload-envelope/internal/envelope/hexcodec"
)

const (
	// AESKeySize is the size of the AES-128 key in bytes; aes.NewCipher selects
	// the AES variant from the length of the key passed in.
	AESKeySize = 16

	// IVSize is the size of the AES-GCM nonce in bytes. NB: reusing a nonce with
	// the same key breaks GCM completely. A fresh key is generated for every
	// operation, so a random 96-bit nonce is safe here.
	IVSize = 12
)

// KeyMaterial is the hex-encoded symmetric key and IV generated for a single
// encryption operation. It is never persisted.
type KeyMaterial struct {
	AESKey string
	IV     string
}

// IsZero reports whether neither field has been set.
func (k KeyMaterial) IsZero() bool {
	return k.AESKey == "" && k.IV == ""
}

// GenerateAESKey returns AESKeySize random bytes, hex-encoded.
func GenerateAESKey() string {
	return randomHex(AESKeySize)
}

// GenerateIV returns IVSize random bytes, hex-encoded.
func GenerateIV() string {
	return randomHex(IVSize)
}

// Generate returns a fresh key and IV.
func Generate() KeyMaterial {
	return KeyMaterial{
		AESKey: GenerateAESKey(),
		IV:     GenerateIV(),
	}
}

// Generator is satisfied by anything producing key material; the default is
// GeneratorFunc(Generate).
type Generator interface {
	Generate() KeyMaterial
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() KeyMaterial

func (f GeneratorFunc) Generate() KeyMaterial {
	return f()
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms; an
	// exhausted entropy source is unrecoverable.
	if _, err := rand.Read(b); err != nil {
		panic("failed to read random bytes: " + err.Error())
	}

	return hexcodec.Encode(b)
}
