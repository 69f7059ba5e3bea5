package keyfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/ktesting"
)

const publicKeyPath = "/v1/public-key"

// validJWK is a 2048 bit RSA key in JWK form, used in multiple tests
const validJWK = `{
	"kty": "RSA",
	"use": "enc",
	"kid": "test-key-1",
	"alg": "RSA-OAEP-256",
	"n": "vDdioGpDuAEQDd4WRXyWa4sZ5EeS9OPsRrU_jU3PbZdDcANxfh_WSeSvSBKGfGXGC3fIzu0Ernk9VjXcs3LeFdRq2N4nNRZvCzsd_MjBtn7CWgjM_Sk9DXEGn3cHHilcJUJQ4i2YgX9bHu0odNgE6cSVIUEMIC2EGuGk_I7lwroinAAwXpNLLQkV_25kv_QQof2i5f7AocY6QTd0SAo8ZUqFBzanupkeFpl3-Bsz6_zdt_N0x9k5XHQn42Q2oTupTwvXFbE1x8XtCpiaP3_fsQ9dN7t4z6HtwlNUJB2tFfF6PgdKZ9LuJpYjFPYzJQ6Rv28fuc8YHcF7Jittjyzmew",
	"e": "AQAB"
}`

// mockKeyServer serves statusCode and body on publicKeyPath and counts requests.
func mockKeyServer(t *testing.T, statusCode int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var requests atomic.Int32

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != publicKeyPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		requests.Add(1)

		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("User-Agent"), "payload-envelope/")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_, err := w.Write([]byte(body))
		assert.NoError(t, err)
	}))

	t.Cleanup(server.Close)

	return server, &requests
}

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(server.URL, publicKeyPath, server.Client())
	require.NoError(t, err)

	return client.WithRetries(3, time.Millisecond)
}

func pemResponse(t *testing.T, field string, keyID string) string {
	t.Helper()

	body := map[string]string{field: testPublicKeyPEM(t)}
	if keyID != "" {
		body["keyId"] = keyID
	}

	out, err := json.Marshal(body)
	require.NoError(t, err)

	return string(out)
}

func TestNewClient(t *testing.T) {
	t.Run("joins path onto base URL", func(t *testing.T) {
		client, err := NewClient("https://keys.example.com/api/", "v1/public-key", nil)
		require.NoError(t, err)
		assert.Equal(t, "https://keys.example.com/api/v1/public-key", client.Endpoint())
	})

	t.Run("empty path uses base URL", func(t *testing.T) {
		client, err := NewClient("https://keys.example.com/key", "", nil)
		require.NoError(t, err)
		assert.Equal(t, "https://keys.example.com/key", client.Endpoint())
	})

	t.Run("empty base URL", func(t *testing.T) {
		_, err := NewClient("", "v1/public-key", nil)
		require.ErrorContains(t, err, "base URL cannot be empty")
	})
}

func TestClient_FetchKey(t *testing.T) {
	log := ktesting.NewLogger(t, ktesting.DefaultConfig)
	ctx := klog.NewContext(t.Context(), log)

	t.Run("camelCase PEM field", func(t *testing.T) {
		server, _ := mockKeyServer(t, http.StatusOK, pemResponse(t, "publicKey", "kid-from-server"))

		key, err := testClient(t, server).FetchKey(ctx)
		require.NoError(t, err)

		assert.Equal(t, "kid-from-server", key.KeyID)
		assert.True(t, testKey().PublicKey.Equal(key.Key))
		assert.Equal(t, testPublicKeyPEM(t), key.PEM)
	})

	t.Run("snake_case PEM field uses fingerprint as key ID", func(t *testing.T) {
		server, _ := mockKeyServer(t, http.StatusOK, pemResponse(t, "public_key", ""))

		key, err := testClient(t, server).FetchKey(ctx)
		require.NoError(t, err)

		assert.Equal(t, Fingerprint(&testKey().PublicKey), key.KeyID)
		assert.Len(t, key.KeyID, 16)
	})

	t.Run("JWKS response", func(t *testing.T) {
		server, _ := mockKeyServer(t, http.StatusOK, `{"keys": [`+validJWK+`]}`)

		key, err := testClient(t, server).FetchKey(ctx)
		require.NoError(t, err)

		assert.Equal(t, "test-key-1", key.KeyID)
		assert.NotNil(t, key.Key)
		assert.Greater(t, key.Key.E, 0)
		assert.Contains(t, key.PEM, "BEGIN PUBLIC KEY")
	})

	t.Run("JWKS filters non-RSA keys and wrong algorithms", func(t *testing.T) {
		mixed := `{
			"keys": [
				{
					"kty": "EC",
					"kid": "ec-key-1",
					"alg": "ES256",
					"crv": "P-256",
					"x": "WKn-ZIGevcwGIyyrzFoZNBdaq9_TsqzGl96oc0CWuis",
					"y": "y77t-RvAHRKTsSGdIYUfweuOvwrvDD-Q3Hv5J0fSKbE"
				},
				{
					"kty": "RSA",
					"kid": "wrong-alg-key",
					"alg": "RS256",
					"n": "vDdioGpDuAEQDd4WRXyWa4sZ5EeS9OPsRrU_jU3PbZdDcANxfh_WSeSvSBKGfGXGC3fIzu0Ernk9VjXcs3LeFdRq2N4nNRZvCzsd_MjBtn7CWgjM_Sk9DXEGn3cHHilcJUJQ4i2YgX9bHu0odNgE6cSVIUEMIC2EGuGk_I7lwroinAAwXpNLLQkV_25kv_QQof2i5f7AocY6QTd0SAo8ZUqFBzanupkeFpl3-Bsz6_zdt_N0x9k5XHQn42Q2oTupTwvXFbE1x8XtCpiaP3_fsQ9dN7t4z6HtwlNUJB2tFfF6PgdKZ9LuJpYjFPYzJQ6Rv28fuc8YHcF7Jittjyzmew",
					"e": "AQAB"
				},
				` + validJWK + `
			]
		}`

		server, _ := mockKeyServer(t, http.StatusOK, mixed)

		key, err := testClient(t, server).FetchKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, "test-key-1", key.KeyID)
	})

	t.Run("JWKS with no usable keys", func(t *testing.T) {
		noKid := `{
			"keys": [
				{
					"kty": "RSA",
					"alg": "RSA-OAEP-256",
					"n": "vDdioGpDuAEQDd4WRXyWa4sZ5EeS9OPsRrU_jU3PbZdDcANxfh_WSeSvSBKGfGXGC3fIzu0Ernk9VjXcs3LeFdRq2N4nNRZvCzsd_MjBtn7CWgjM_Sk9DXEGn3cHHilcJUJQ4i2YgX9bHu0odNgE6cSVIUEMIC2EGuGk_I7lwroinAAwXpNLLQkV_25kv_QQof2i5f7AocY6QTd0SAo8ZUqFBzanupkeFpl3-Bsz6_zdt_N0x9k5XHQn42Q2oTupTwvXFbE1x8XtCpiaP3_fsQ9dN7t4z6HtwlNUJB2tFfF6PgdKZ9LuJpYjFPYzJQ6Rv28fuc8YHcF7Jittjyzmew",
					"e": "AQAB"
				}
			]
		}`

		server, _ := mockKeyServer(t, http.StatusOK, noKid)

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "no valid RSA keys found")
	})

	t.Run("missing key fields", func(t *testing.T) {
		server, requests := mockKeyServer(t, http.StatusOK, `{"status":"ok"}`)

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "neither a publicKey nor a public_key field")
		assert.Equal(t, int32(1), requests.Load(), "malformed responses are not retried")
	})

	t.Run("invalid JSON", func(t *testing.T) {
		server, _ := mockKeyServer(t, http.StatusOK, "invalid json")

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "failed to parse JSON")
	})

	t.Run("invalid PEM", func(t *testing.T) {
		server, _ := mockKeyServer(t, http.StatusOK, `{"publicKey":"not a pem"}`)

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "failed to decode PEM block")
	})

	t.Run("undersized PEM key", func(t *testing.T) {
		body, err := json.Marshal(map[string]string{"publicKey": smallRSAKey1024})
		require.NoError(t, err)

		server, _ := mockKeyServer(t, http.StatusOK, string(body))

		_, err = testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "must be at least 2048 bits")
	})

	t.Run("5xx is retried", func(t *testing.T) {
		server, requests := mockKeyServer(t, http.StatusInternalServerError, "")

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "unexpected status code 500")
		assert.Equal(t, int32(3), requests.Load())
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		server, requests := mockKeyServer(t, http.StatusForbidden, "nope")

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "unexpected status code 403 from")
		require.ErrorContains(t, err, "nope")
		assert.Equal(t, int32(1), requests.Load())
	})

	t.Run("recovers after transient failure", func(t *testing.T) {
		var requests atomic.Int32
		body := pemResponse(t, "publicKey", "")

		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requests.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(server.Close)

		key, err := testClient(t, server).FetchKey(ctx)
		require.NoError(t, err)
		assert.NotNil(t, key.Key)
		assert.Equal(t, int32(2), requests.Load())
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := testClient(t, server).FetchKey(ctx)
		require.ErrorContains(t, err, "context canceled")
	})
}
