package aesgcm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jetstack/payload-envelope/internal/envelope/hexcodec"
	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
)

// TagSize is the size of the GCM authentication tag in bytes.
const TagSize = 16

// Encrypt serialises payload and encrypts it with AES-128-GCM under the given
// hex key and IV. It returns the hex ciphertext and the hex authentication tag
// separately.
//
// Strings, byte slices and json.RawMessage are encrypted verbatim; any other
// value is encoded with encoding/json first.
func Encrypt(payload any, keyHex, ivHex string) (ciphertextHex string, authTagHex string, err error) {
	plaintext, err := Serialize(payload)
	if err != nil {
		return "", "", err
	}

	key, err := hexcodec.DecodeField("key", keyHex, keymaterial.AESKeySize)
	if err != nil {
		return "", "", &ParameterError{Field: "key", Reason: err.Error()}
	}

	iv, err := hexcodec.DecodeField("iv", ivHex, keymaterial.IVSize)
	if err != nil {
		return "", "", &ParameterError{Field: "iv", Reason: err.Error()}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize

	return hexcodec.Encode(sealed[:split]), hexcodec.Encode(sealed[split:]), nil
}

// Open validates its inputs, then decrypts and authenticates the ciphertext,
// returning the raw plaintext bytes.
//
// Inputs are checked before any AEAD call so that malformed lengths surface
// as a *ParameterError naming the field instead of an opaque cipher error.
// An empty ciphertext is rejected, so empty payloads must not be sent in an
// envelope.
func Open(ciphertextHex, keyHex, ivHex, authTagHex string) ([]byte, error) {
	inputs := []struct {
		field string
		value string
	}{
		{"ciphertext", ciphertextHex},
		{"key", keyHex},
		{"iv", ivHex},
		{"authTag", authTagHex},
	}

	for _, in := range inputs {
		if in.value == "" {
			return nil, &ParameterError{Field: in.field, Reason: "must not be empty"}
		}
	}

	for _, in := range inputs {
		if !hexcodec.IsHex(in.value) {
			return nil, &ParameterError{Field: in.field, Reason: "must be a valid hex string"}
		}
	}

	sizes := []struct {
		field string
		value string
		size  int
	}{
		{"key", keyHex, keymaterial.AESKeySize},
		{"iv", ivHex, keymaterial.IVSize},
		{"authTag", authTagHex, TagSize},
	}

	for _, s := range sizes {
		if len(s.value) != s.size*2 {
			return nil, &ParameterError{
				Field:  s.field,
				Reason: fmt.Sprintf("must be %d hex characters (%d bytes), got %d", s.size*2, s.size, len(s.value)),
			}
		}
	}

	// every input has been validated as hex above
	ciphertext, _ := hexcodec.Decode(ciphertextHex)
	key, _ := hexcodec.Decode(keyHex)
	iv, _ := hexcodec.Decode(ivHex)
	tag, _ := hexcodec.Decode(authTagHex)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

// Decrypt opens the ciphertext and parses the plaintext as JSON. Plaintext
// which isn't valid JSON is returned as a string.
func Decrypt(ciphertextHex, keyHex, ivHex, authTagHex string) (any, error) {
	plaintext, err := Open(ciphertextHex, keyHex, ivHex, authTagHex)
	if err != nil {
		return nil, err
	}

	return ParsePlaintext(plaintext), nil
}

// Serialize returns the bytes that Encrypt would encrypt for payload.
func Serialize(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise payload as JSON: %w", err)
	}

	return b, nil
}

// ParsePlaintext decodes b as a single JSON value, keeping numbers as
// json.Number. If b isn't JSON, it is returned unchanged as a string.
func ParsePlaintext(b []byte) any {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return string(b)
	}

	// reject trailing data such as `1 2` or `{}}`
	if err := dec.Decode(new(any)); err != io.EOF {
		return string(b)
	}

	return out
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return gcm, nil
}
