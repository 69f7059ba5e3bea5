package keyfetch

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"k8s.io/client-go/transport"
	"k8s.io/klog/v2"

	keyrsa "github.com/jetstack/payload-envelope/internal/envelope/rsa"
	"github.com/jetstack/payload-envelope/pkg/logs"
	"github.com/jetstack/payload-envelope/pkg/version"
)

const (
	// maxPublicKeyBodySize is the maximum allowed size for a response body from the public key endpoint.
	// A PEM encoded 4096 bit key is under 1kB; a JWKS with a handful of keys is a few kB.
	maxPublicKeyBodySize = 64 * 1024

	defaultMaxTries        = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultRequestTimeout  = 10 * time.Second
)

// Compile-time check that Client implements KeyFetcher
var _ KeyFetcher = (*Client)(nil)

// Client fetches the public key from an HTTP endpoint. The endpoint returns
// JSON containing either a PEM encoded key in a "publicKey" or "public_key"
// field, or a JWKS.
type Client struct {
	endpoint string

	// httpClient is the HTTP client used for requests
	httpClient *http.Client

	maxTries        uint
	initialInterval time.Duration
}

// NewClient creates a new key fetching client for the given endpoint, which
// is path joined onto baseURL. If path is empty, baseURL is used as is.
// If httpClient is nil, a default HTTP client with a request timeout and
// context-driven debug logging is created.
func NewClient(baseURL string, path string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("public key endpoint base URL cannot be empty")
	}

	endpoint := baseURL
	if path != "" {
		var err error
		endpoint, err = url.JoinPath(baseURL, path)
		if err != nil {
			return nil, fmt.Errorf("failed to construct endpoint URL: %w", err)
		}
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: transport.NewDebuggingRoundTripper(http.DefaultTransport, transport.DebugByContext),
		}
	}

	return &Client{
		endpoint:        endpoint,
		httpClient:      httpClient,
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
	}, nil
}

// WithRetries configures how many attempts are made when the endpoint is
// unreachable or returns a 5xx status, and the first retry interval.
func (c *Client) WithRetries(maxTries uint, initialInterval time.Duration) *Client {
	if maxTries == 0 {
		maxTries = 1
	}

	c.maxTries = maxTries
	c.initialInterval = initialInterval

	return c
}

// Endpoint returns the URL which FetchKey requests.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// FetchKey retrieves the public key from the configured endpoint.
// Transport errors and 5xx responses are retried; any other failure is permanent.
func (c *Client) FetchKey(ctx context.Context) (PublicKey, error) {
	logger := klog.FromContext(ctx).WithName("keyfetch")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval

	attempt := 0
	operation := func() (PublicKey, error) {
		attempt++
		logger.V(logs.Debug).Info("Requesting public key", "endpoint", c.endpoint, "attempt", attempt)
		return c.fetchOnce(ctx)
	}

	return backoff.Retry(ctx, operation, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxTries))
}

// publicKeyResponse covers both the camelCase and snake_case field names
// returned by different backends, plus JWKS responses.
type publicKeyResponse struct {
	PublicKey      string          `json:"publicKey"`
	PublicKeySnake string          `json:"public_key"`
	KeyID          string          `json:"keyId"`
	Keys           json.RawMessage `json:"keys"`
}

func (c *Client) fetchOnce(ctx context.Context) (PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return PublicKey{}, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	version.SetUserAgent(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return PublicKey{}, backoff.Permanent(fmt.Errorf("failed to fetch public key from %s: %w", c.endpoint, err))
		}

		return PublicKey{}, fmt.Errorf("failed to fetch public key from %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if code := resp.StatusCode; code < 200 || code >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		if len(body) == 0 {
			body = []byte(`<empty body>`)
		}

		err := fmt.Errorf("unexpected status code %d from %s: %s", code, c.endpoint, strings.TrimSpace(string(body)))
		if code >= 500 {
			return PublicKey{}, err
		}

		// a 4xx won't change by asking again
		return PublicKey{}, backoff.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPublicKeyBodySize+1))
	if err != nil {
		return PublicKey{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(body) > maxPublicKeyBodySize {
		return PublicKey{}, backoff.Permanent(fmt.Errorf("rejecting response from %s as it was too large", c.endpoint))
	}

	key, err := c.parseResponse(body)
	if err != nil {
		return PublicKey{}, backoff.Permanent(err)
	}

	return key, nil
}

func (c *Client) parseResponse(body []byte) (PublicKey, error) {
	var response publicKeyResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return PublicKey{}, fmt.Errorf("failed to parse JSON from otherwise successful request to %s: %w", c.endpoint, err)
	}

	pemValue := response.PublicKey
	if pemValue == "" {
		pemValue = response.PublicKeySnake
	}

	if pemValue != "" {
		key, err := keyrsa.LoadPublicKeyFromPEM([]byte(pemValue))
		if err != nil {
			return PublicKey{}, fmt.Errorf("invalid public key from %s: %w", c.endpoint, err)
		}

		if err := keyrsa.ValidatePublicKey(key); err != nil {
			return PublicKey{}, err
		}

		kid := response.KeyID
		if kid == "" {
			kid = Fingerprint(key)
		}

		return PublicKey{KeyID: kid, Key: key, PEM: pemValue}, nil
	}

	if len(response.Keys) > 0 {
		return c.parseJWKS(body)
	}

	return PublicKey{}, fmt.Errorf("response from %s contains neither a publicKey nor a public_key field", c.endpoint)
}

// parseJWKS returns the first RSA-OAEP-256 RSA key in the set with a key ID and
// a size of at least keyrsa.MinKeySize bits.
func (c *Client) parseJWKS(body []byte) (PublicKey, error) {
	keySet, err := jwk.Parse(body)
	if err != nil {
		return PublicKey{}, fmt.Errorf("failed to parse JWKs response: %w", err)
	}

	for i := range keySet.Len() {
		key, ok := keySet.Key(i)
		if !ok {
			continue
		}

		if key.KeyType().String() != "RSA" {
			continue
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			// skip unparseable keys
			continue
		}

		rsaKey, ok := rawKey.(*rsa.PublicKey)
		if !ok {
			continue
		}

		if keyrsa.ValidatePublicKey(rsaKey) != nil {
			continue
		}

		kid, ok := key.KeyID()
		if !ok {
			continue
		}

		alg, ok := key.Algorithm()
		if !ok || alg.String() != "RSA-OAEP-256" {
			// keys are only ever used for RSA-OAEP-256
			continue
		}

		pemValue, err := keyrsa.EncodePublicKeyPEM(rsaKey)
		if err != nil {
			continue
		}

		return PublicKey{KeyID: kid, Key: rsaKey, PEM: pemValue}, nil
	}

	return PublicKey{}, fmt.Errorf("no valid RSA keys found at %s", c.endpoint)
}
