// Package client assembles an HTTP client whose requests and responses pass
// through envelope encryption, from a config.Config.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	k8stransport "k8s.io/client-go/transport"

	"github.com/jetstack/payload-envelope/internal/correlation"
	"github.com/jetstack/payload-envelope/internal/envelope"
	"github.com/jetstack/payload-envelope/internal/envelope/keyfetch"
	"github.com/jetstack/payload-envelope/pkg/config"
	"github.com/jetstack/payload-envelope/pkg/transport"
	"github.com/jetstack/payload-envelope/pkg/version"
)

// Client sends HTTP requests with envelope encryption applied.
type Client struct {
	provider    *keyfetch.Provider
	service     *envelope.Service
	interceptor *transport.Interceptor
	httpClient  *http.Client
}

// Options holds optional dependencies, mostly for tests.
type Options struct {
	// Base is the transport beneath the encrypting round tripper. Defaults to
	// http.DefaultTransport wrapped with context-driven debug logging.
	Base http.RoundTripper

	// KeyHTTPClient is used by the api key source.
	KeyHTTPClient *http.Client

	// Timeout bounds each request made with the client. Zero means no timeout.
	Timeout time.Duration
}

// New builds a Client. The public key is not resolved until the first
// request that needs it.
func New(cfg config.Config, opts Options) (*Client, error) {
	provider, err := NewProvider(cfg, opts.KeyHTTPClient)
	if err != nil {
		return nil, err
	}

	service := envelope.NewService(provider, cfg.Encryption.Enabled)
	policy := transport.NewPolicy(cfg.Encryption.Enabled, cfg.Encryption.Methods, cfg.Encryption.Exclude)
	store := correlation.NewStore(cfg.Encryption.CorrelationTTL)

	interceptor := transport.NewInterceptor(service, policy, store).
		WithKeyMaterialEcho(cfg.Debug.EchoKeyMaterial)

	base := opts.Base
	if base == nil {
		base = k8stransport.NewDebuggingRoundTripper(http.DefaultTransport, k8stransport.DebugByContext)
	}

	return &Client{
		provider:    provider,
		service:     service,
		interceptor: interceptor,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport.NewRoundTripper(base, interceptor),
		},
	}, nil
}

// NewProvider builds the key provider described by cfg. The api source is
// only configured when a base URL is set.
func NewProvider(cfg config.Config, keyHTTPClient *http.Client) (*keyfetch.Provider, error) {
	primary, err := keyfetch.ParseSource(cfg.PublicKey.Source)
	if err != nil {
		return nil, err
	}

	env := keyfetch.NewEnvSource(cfg.PublicKey.PEM, cfg.PublicKey.EnvVar)

	if cfg.PublicKey.BaseURL == "" {
		return keyfetch.NewProvider(primary, env, nil).WithRetryAfterFailure(cfg.PublicKey.RetryAfterFailure), nil
	}

	if keyHTTPClient == nil {
		keyHTTPClient = &http.Client{
			Timeout:   cfg.PublicKey.Timeout,
			Transport: k8stransport.NewDebuggingRoundTripper(http.DefaultTransport, k8stransport.DebugByContext),
		}
	}

	api, err := keyfetch.NewClient(cfg.PublicKey.BaseURL, cfg.PublicKey.Path, keyHTTPClient)
	if err != nil {
		return nil, err
	}

	return keyfetch.NewProvider(primary, env, api).WithRetryAfterFailure(cfg.PublicKey.RetryAfterFailure), nil
}

// HTTPClient returns the underlying encrypting HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Provider returns the key provider.
func (c *Client) Provider() *keyfetch.Provider {
	return c.provider
}

// ResetPublicKey discards the resolved or failed public key so that the next
// encrypted request resolves it again.
func (c *Client) ResetPublicKey() {
	c.provider.Reset()
}

// Service returns the envelope service.
func (c *Client) Service() *envelope.Service {
	return c.service
}

// PendingRequests returns the number of correlation entries awaiting a
// response.
func (c *Client) PendingRequests() int {
	return c.interceptor.Store().Len()
}

// Do sends req. The User-Agent is set if the caller didn't set one.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		version.SetUserAgent(req)
	}

	return c.httpClient.Do(req)
}

// Send builds and sends a request with the given method, URL, body and
// headers. A nil body sends no body.
func (c *Client) Send(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.Do(req)
}

// PostJSON marshals data and POSTs it to url, decoding a JSON response into
// out when out is non-nil. Non-2xx responses are returned as errors.
func (c *Client) PostJSON(ctx context.Context, url string, data any, out any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	resp, err := c.Send(ctx, http.MethodPost, url, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if code := resp.StatusCode; code < 200 || code >= 300 {
		errorContent := ""
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(b) > 0 {
			errorContent = string(b)
		}

		return fmt.Errorf("received response with status code %d: %s", code, errorContent)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}

	return nil
}
