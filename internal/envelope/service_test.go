package envelope_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/ktesting"

	"github.com/jetstack/payload-envelope/internal/envelope"
	"github.com/jetstack/payload-envelope/internal/envelope/aesgcm"
	"github.com/jetstack/payload-envelope/internal/envelope/hexcodec"
	"github.com/jetstack/payload-envelope/internal/envelope/keyfetch"
	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
	keyrsa "github.com/jetstack/payload-envelope/internal/envelope/rsa"
)

const (
	fixedAESKey = "00112233445566778899aabbccddeeff"
	fixedIV     = "0102030405060708090a0b0c"
)

// newTestService returns an enabled service backed by a fake key source, and
// the private key matching the public key it wraps with.
func newTestService(t *testing.T) (*envelope.Service, *rsa.PrivateKey) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, keyrsa.MinKeySize)
	require.NoError(t, err)

	fake := keyfetch.NewFakeClientWithKey("test-key", &privateKey.PublicKey)
	provider := keyfetch.NewProvider(keyfetch.SourceEnv, fake, nil)

	return envelope.NewService(provider, true), privateKey
}

// unwrap plays the part of the server, which holds the private key.
func unwrap(t *testing.T, privateKey *rsa.PrivateKey, wrappedHex string) string {
	t.Helper()

	wrapped, err := hexcodec.Decode(wrappedHex)
	require.NoError(t, err)

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrapped, nil)
	require.NoError(t, err)

	return hexcodec.Encode(aesKey)
}

func TestEncryptPayload(t *testing.T) {
	ctx := klog.NewContext(t.Context(), ktesting.NewLogger(t, ktesting.DefaultConfig))
	svc, privateKey := newTestService(t)

	payload := map[string]any{"msg": "hi", "count": 2}

	env, km, err := svc.EncryptPayload(ctx, payload)
	require.NoError(t, err)

	assert.True(t, env.Encrypted())
	assert.Len(t, km.AESKey, 2*keymaterial.AESKeySize)
	assert.Len(t, km.IV, 2*keymaterial.IVSize)
	assert.Equal(t, km.IV, env.IV)
	assert.Len(t, env.AuthTag, 2*aesgcm.TagSize)
	assert.True(t, hexcodec.IsHex(env.Ciphertext))

	// the server side: unwrap, then decrypt
	assert.Equal(t, km.AESKey, unwrap(t, privateKey, env.WrappedKey))

	plaintext, err := aesgcm.Open(env.Ciphertext, km.AESKey, env.IV, env.AuthTag)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi","count":2}`, string(plaintext))

	// and the response comes back under the same key material
	decrypted, err := svc.DecryptResponse(ctx, envelope.DecryptInput{
		Ciphertext: env.Ciphertext,
		AESKey:     km.AESKey,
		IV:         km.IV,
		AuthTag:    env.AuthTag,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi", "count": json.Number("2")}, decrypted)
}

func TestOpenResponse(t *testing.T) {
	svc, _ := newTestService(t)

	plaintext := `"hello"`
	ciphertext, tag, err := aesgcm.Encrypt(plaintext, fixedAESKey, fixedIV)
	require.NoError(t, err)

	in := envelope.DecryptInput{Ciphertext: ciphertext, AESKey: fixedAESKey, IV: fixedIV, AuthTag: tag}

	opened, err := svc.OpenResponse(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, []byte(plaintext), opened)

	decrypted, err := svc.DecryptResponse(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, "hello", decrypted)
}

func TestEncryptPayload_FreshKeyMaterial(t *testing.T) {
	svc, _ := newTestService(t)

	env1, km1, err := svc.EncryptPayload(t.Context(), "same")
	require.NoError(t, err)

	env2, km2, err := svc.EncryptPayload(t.Context(), "same")
	require.NoError(t, err)

	assert.NotEqual(t, km1, km2)
	assert.NotEqual(t, env1.Ciphertext, env2.Ciphertext)
	assert.NotEqual(t, env1.WrappedKey, env2.WrappedKey)
}

func TestEncryptPayload_FixedKeyMaterial(t *testing.T) {
	svc, privateKey := newTestService(t)
	svc.WithGenerator(keymaterial.GeneratorFunc(func() keymaterial.KeyMaterial {
		return keymaterial.KeyMaterial{AESKey: fixedAESKey, IV: fixedIV}
	}))

	env, km, err := svc.EncryptPayload(t.Context(), json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, fixedAESKey, km.AESKey)
	assert.Equal(t, fixedAESKey, unwrap(t, privateKey, env.WrappedKey))

	decrypted, err := svc.DecryptResponse(t.Context(), envelope.DecryptInput{
		Ciphertext: env.Ciphertext,
		AESKey:     fixedAESKey,
		IV:         fixedIV,
		AuthTag:    env.AuthTag,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, decrypted)

	_, err = svc.DecryptResponse(t.Context(), envelope.DecryptInput{
		Ciphertext: env.Ciphertext,
		AESKey:     "ffeeddccbbaa99887766554433221100",
		IV:         fixedIV,
		AuthTag:    env.AuthTag,
	})
	require.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	require.ErrorIs(t, err, aesgcm.ErrAuthenticationFailed)
}

func TestEncryptPayload_KeySourceUnavailable(t *testing.T) {
	env := keyfetch.NewFakeClientWithError(errors.New("no PEM"))
	api := keyfetch.NewFakeClientWithError(errors.New("503"))
	svc := envelope.NewService(keyfetch.NewProvider(keyfetch.SourceEnv, env, api), true)

	_, _, err := svc.EncryptPayload(t.Context(), "payload")
	require.ErrorIs(t, err, envelope.ErrEncryptionFailed)
	require.ErrorIs(t, err, keyfetch.ErrKeySourceUnavailable)

	_, err = svc.NewKeyExchange(t.Context())
	require.ErrorIs(t, err, keyfetch.ErrKeySourceUnavailable)
}

func TestEncryptPayload_UnserialisablePayload(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.EncryptPayload(t.Context(), make(chan int))
	require.ErrorIs(t, err, envelope.ErrEncryptionFailed)
	require.ErrorContains(t, err, "failed to serialise payload as JSON")
}

func TestDisabledService(t *testing.T) {
	fake := keyfetch.NewFakeClientWithError(errors.New("must not be called"))
	svc := envelope.NewService(keyfetch.NewProvider(keyfetch.SourceEnv, fake, nil), false)
	assert.False(t, svc.Enabled())

	env, km, err := svc.EncryptPayload(t.Context(), map[string]string{"msg": "hi"})
	require.NoError(t, err)

	assert.False(t, env.Encrypted())
	assert.Equal(t, `{"msg":"hi"}`, env.Ciphertext)
	assert.Empty(t, env.WrappedKey)
	assert.Empty(t, env.IV)
	assert.Empty(t, env.AuthTag)
	assert.True(t, km.IsZero())
	assert.Equal(t, 0, fake.Calls())

	decrypted, err := svc.DecryptResponse(t.Context(), envelope.DecryptInput{Ciphertext: `{"msg":"hi"}`})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, decrypted)

	decrypted, err = svc.DecryptResponse(t.Context(), envelope.DecryptInput{Ciphertext: "not json"})
	require.NoError(t, err)
	assert.Equal(t, "not json", decrypted)

	_, err = svc.NewKeyExchange(t.Context())
	require.ErrorIs(t, err, envelope.ErrEncryptionFailed)
}

func TestNewKeyExchange(t *testing.T) {
	svc, privateKey := newTestService(t)

	exchange, err := svc.NewKeyExchange(t.Context())
	require.NoError(t, err)

	assert.Equal(t, exchange.KeyMaterial.IV, exchange.IV)
	assert.Equal(t, exchange.KeyMaterial.AESKey, unwrap(t, privateKey, exchange.WrappedKey))
}

func TestDecryptResponse_InvalidParameters(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.DecryptResponse(t.Context(), envelope.DecryptInput{
		Ciphertext: "00",
		AESKey:     fixedAESKey,
		IV:         "0102030405060708090a0b",
		AuthTag:    "00112233445566778899aabbccddeeff",
	})
	require.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	require.ErrorIs(t, err, aesgcm.ErrInvalidEncryptionParameter)

	var paramErr *aesgcm.ParameterError
	require.ErrorAs(t, err, &paramErr)
	assert.Equal(t, "iv", paramErr.Field)
}

func TestEnvelope_JSON(t *testing.T) {
	env := envelope.Envelope{Ciphertext: "aa", WrappedKey: "bb", IV: "cc", AuthTag: "dd"}

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"encryptedValue":"aa","encryptedKey":"bb","iv":"cc","authTag":"dd"}`, string(out))

	var nilEnvelope *envelope.Envelope
	assert.False(t, nilEnvelope.Encrypted())
}
