package keyfetch

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	keyrsa "github.com/jetstack/payload-envelope/internal/envelope/rsa"
)

// smallRSAKey1024 is a hardcoded 1024-bit RSA public key in PEM format (PKIX)
// used for testing key size validation.
const smallRSAKey1024 = `-----BEGIN PUBLIC KEY-----
MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQDCNDoCM0OBt4HFxFxyU50FYsuZ
gK+lgel/Jlzb+ghkWpCL1Vk3Au7aet4KxNxQh5dFRxtMU7pe6fC5eZtdL3+0TCUu
XAUVgMhTRn3ZXlEmJXosuiFQ2y4+3nbWL51OxXRf3jsieSVqr4fbceakuOKXp4vX
wgiguV3/XqaysHs1uwIDAQAB
-----END PUBLIC KEY-----`

var (
	testKeyOnce     sync.Once
	internalTestKey *rsa.PrivateKey
)

// testKey returns a singleton RSA private key, to avoid needing to generate a
// new key for each test.
func testKey() *rsa.PrivateKey {
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, keyrsa.MinKeySize)
		if err != nil {
			panic("failed to generate test RSA key: " + err.Error())
		}

		internalTestKey = key
	})

	return internalTestKey
}

func testPublicKeyPEM(t *testing.T) string {
	t.Helper()

	pemValue, err := keyrsa.EncodePublicKeyPEM(&testKey().PublicKey)
	require.NoError(t, err)

	return pemValue
}
