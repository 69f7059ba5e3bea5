// Package keyfetch resolves the RSA public key used to wrap per-request AES
// keys.
//
// Two sources are supported: a PEM provisioned through the environment
// ("env") and a remote HTTP endpoint ("api"). A Provider tries the configured
// source first and automatically falls back to the other one, then caches the
// resolved key for the lifetime of the process or until Reset is called.
//
// The api source accepts either a JSON body with a PEM in a "publicKey" or
// "public_key" field, or a JSON Web Key Set; JWKS parsing uses
// github.com/lestrrat-go/jwx/v3/jwk. Only RSA keys are supported.
package keyfetch
