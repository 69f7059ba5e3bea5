// Package rsa wraps per-request AES keys with an RSA public key using
// RSA-OAEP with SHA-256.
//
// Wrapping is one-way in this module: the matching private key lives with the
// remote party, and no unwrap operation is provided.
package rsa
