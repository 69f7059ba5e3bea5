// Package envelope implements hybrid RSA envelope encryption of API payloads, intended to protect request and response
// bodies against threats such as TLS interception middleware.
//
// Envelope encryption uses a combination of asymmetric encryption and symmetric encryption; since asymmetric encryption is
// slow and has size limits, we generate a random symmetric key for each request, use that to encrypt the payload,
// then encrypt the symmetric key with the server's RSA public key. The server uses its RSA private key to
// unwrap the symmetric key and decrypts the payload, then encrypts its response with the same key and IV so that the
// client can decrypt it with the key material it kept for that request.
//
// This implementation uses RSA-OAEP with SHA-256 for asymmetric encryption, and AES-128-GCM for symmetric encryption.
// This package never holds an RSA private key.
//
// In some documentation, the asymmetric key is called the "key encryption key" (KEK) and the symmetric key is called the "data encryption key" (DEK).
package envelope
