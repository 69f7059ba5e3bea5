// Package aesgcm implements AES-128-GCM encryption of request and response
// payloads.
//
// The wire protocol carries the ciphertext and the 16 byte authentication tag
// as two separate hex fields. Encrypt therefore splits the sealed output of
// the AEAD and Open joins them again before opening; the two must never be
// sent concatenated.
package aesgcm
