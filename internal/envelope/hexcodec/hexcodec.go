// Package hexcodec converts between raw bytes and the lowercase hex strings
// used for every binary field on the wire.
package hexcodec

import (
	"encoding/hex"
	"fmt"
)

// Encode returns the lowercase hex encoding of b.
func Encode(b []byte) string {
	return hex.EncodeToString(b)
}

// Decode parses a hex string, accepting either case.
func Decode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}

	return b, nil
}

// IsHex reports whether s is a non-empty, even-length string of hex digits.
func IsHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}

	return true
}

// DecodeField decodes a hex string which must represent exactly size bytes.
// The field name is included in any error so callers can report which input
// was malformed.
func DecodeField(field string, s string, size int) ([]byte, error) {
	if !IsHex(s) {
		return nil, fmt.Errorf("%s is not a valid hex string", field)
	}

	if len(s) != size*2 {
		return nil, fmt.Errorf("%s must be %d hex characters (%d bytes), got %d", field, size*2, size, len(s))
	}

	return Decode(s)
}
