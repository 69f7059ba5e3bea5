package envelope

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/internal/envelope/aesgcm"
	"github.com/jetstack/payload-envelope/internal/envelope/keyfetch"
	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
	keyrsa "github.com/jetstack/payload-envelope/internal/envelope/rsa"
	"github.com/jetstack/payload-envelope/pkg/logs"
)

// KeyProvider supplies the RSA public key used to wrap AES keys.
// *keyfetch.Provider is the production implementation.
type KeyProvider interface {
	EnsurePublicKey(ctx context.Context) (keyfetch.PublicKey, error)
}

// Service encrypts outbound payloads and decrypts inbound responses. It holds
// no per-request state and is safe for concurrent use.
type Service struct {
	keys      KeyProvider
	generator keymaterial.Generator
	enabled   bool
}

// NewService creates a Service. When enabled is false the service never
// touches the key provider and passes payloads through as plaintext.
func NewService(keys KeyProvider, enabled bool) *Service {
	return &Service{
		keys:      keys,
		generator: keymaterial.GeneratorFunc(keymaterial.Generate),
		enabled:   enabled,
	}
}

// WithGenerator replaces the key material generator, which is useful in tests
// needing deterministic keys.
func (s *Service) WithGenerator(generator keymaterial.Generator) *Service {
	s.generator = generator
	return s
}

// Enabled reports whether payloads are encrypted.
func (s *Service) Enabled() bool {
	return s.enabled
}

// EncryptPayload encrypts data under fresh key material and wraps the AES key
// with the RSA public key. The returned key material must be kept by the
// caller to decrypt the matching response.
func (s *Service) EncryptPayload(ctx context.Context, data any) (*Envelope, keymaterial.KeyMaterial, error) {
	log := klog.FromContext(ctx).WithName("envelope")

	if !s.enabled {
		plaintext, err := aesgcm.Serialize(data)
		if err != nil {
			return nil, keymaterial.KeyMaterial{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
		}

		log.V(logs.Debug).Info("Encryption disabled, sending payload as plaintext")

		return &Envelope{Ciphertext: string(plaintext)}, keymaterial.KeyMaterial{}, nil
	}

	publicKey, err := s.keys.EnsurePublicKey(ctx)
	if err != nil {
		return nil, keymaterial.KeyMaterial{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	km := s.generator.Generate()

	ciphertext, authTag, err := aesgcm.Encrypt(data, km.AESKey, km.IV)
	if err != nil {
		return nil, keymaterial.KeyMaterial{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	wrappedKey, err := keyrsa.WrapAESKeyWithKey(km.AESKey, publicKey.Key)
	if err != nil {
		return nil, keymaterial.KeyMaterial{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	log.V(logs.Trace).Info("Encrypted payload", "kid", publicKey.KeyID, "ciphertextLength", len(ciphertext)/2)

	return &Envelope{
		Ciphertext: ciphertext,
		WrappedKey: wrappedKey,
		IV:         km.IV,
		AuthTag:    authTag,
	}, km, nil
}

// NewKeyExchange generates key material and wraps it for a request which has
// no body to carry an envelope.
func (s *Service) NewKeyExchange(ctx context.Context) (KeyExchange, error) {
	if !s.enabled {
		return KeyExchange{}, fmt.Errorf("%w: encryption is disabled", ErrEncryptionFailed)
	}

	publicKey, err := s.keys.EnsurePublicKey(ctx)
	if err != nil {
		return KeyExchange{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	km := s.generator.Generate()

	wrappedKey, err := keyrsa.WrapAESKeyWithKey(km.AESKey, publicKey.Key)
	if err != nil {
		return KeyExchange{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	return KeyExchange{
		WrappedKey:  wrappedKey,
		IV:          km.IV,
		KeyMaterial: km,
	}, nil
}

// DecryptResponse decrypts a response payload with the key material kept for
// its request. The plaintext is parsed as JSON when possible and returned as
// a string otherwise.
//
// When encryption is disabled, Ciphertext is treated as plaintext.
func (s *Service) DecryptResponse(ctx context.Context, in DecryptInput) (any, error) {
	plaintext, err := s.OpenResponse(ctx, in)
	if err != nil {
		return nil, err
	}

	return aesgcm.ParsePlaintext(plaintext), nil
}

// OpenResponse is DecryptResponse without the JSON parsing: it returns the
// plaintext bytes exactly as the peer encrypted them.
func (s *Service) OpenResponse(ctx context.Context, in DecryptInput) ([]byte, error) {
	if !s.enabled {
		klog.FromContext(ctx).WithName("envelope").V(logs.Debug).Info("Encryption disabled, treating response as plaintext")
		return []byte(in.Ciphertext), nil
	}

	plaintext, err := aesgcm.Open(in.Ciphertext, in.AESKey, in.IV, in.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
