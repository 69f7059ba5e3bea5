package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/internal/correlation"
	"github.com/jetstack/payload-envelope/internal/envelope"
	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
	"github.com/jetstack/payload-envelope/pkg/logs"
)

// maxResponseBodySize bounds how much of a response body is buffered for
// classification and decryption.
const maxResponseBodySize = 32 * 1024 * 1024

// Cryptor is the subset of *envelope.Service used by the interceptor.
type Cryptor interface {
	EncryptPayload(ctx context.Context, data any) (*envelope.Envelope, keymaterial.KeyMaterial, error)
	NewKeyExchange(ctx context.Context) (envelope.KeyExchange, error)
	OpenResponse(ctx context.Context, in envelope.DecryptInput) ([]byte, error)
}

// Interceptor rewrites requests and responses. It holds no per-request state
// of its own; key material lives in the correlation store.
type Interceptor struct {
	service Cryptor
	policy  *Policy
	store   *correlation.Store

	echoKeyMaterial bool
}

// NewInterceptor creates an Interceptor.
func NewInterceptor(service Cryptor, policy *Policy, store *correlation.Store) *Interceptor {
	return &Interceptor{
		service: service,
		policy:  policy,
		store:   store,
	}
}

// WithKeyMaterialEcho makes encrypted requests also carry the raw AES key and
// IV in the X-AES-Key and X-IV headers, for local test peers.
func (i *Interceptor) WithKeyMaterialEcho(enabled bool) *Interceptor {
	i.echoKeyMaterial = enabled
	return i
}

// Store returns the correlation store.
func (i *Interceptor) Store() *correlation.Store {
	return i.store
}

// InterceptRequest returns the request to send in place of req. Control
// headers are always removed. When the policy selects encryption, requests
// with a body have it replaced by an envelope, and requests without one (or
// with an empty one) get key exchange headers; either way the key material is
// registered in the store and the returned request's context carries the
// correlation token.
//
// req itself is not modified, but its body is consumed when encrypting.
func (i *Interceptor) InterceptRequest(req *http.Request) (*http.Request, error) {
	ctx := req.Context()
	log := klog.FromContext(ctx).WithName("transport")

	decision := i.policy.Decide(req)

	out := req.Clone(ctx)
	for _, h := range controlHeaders {
		out.Header.Del(h)
	}

	if !decision.Encrypt() {
		log.V(logs.Trace).Info("Sending request unencrypted", "method", req.Method, "url", req.URL.Redacted(), "decision", decision)
		return out, nil
	}

	token := correlation.NewToken(req.URL.String())

	if hasNoBody(req) {
		return i.exchangeKeys(ctx, out, token, decision)
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	if len(body) == 0 {
		// an empty plaintext would give an empty ciphertext, which the peer
		// cannot open
		out.Body = http.NoBody
		out.ContentLength = 0
		out.GetBody = nil
		return i.exchangeKeys(ctx, out, token, decision)
	}

	env, km, err := i.service.EncryptPayload(ctx, body)
	if err != nil {
		metricFailures.WithLabelValues("encrypt").Inc()
		return nil, err
	}

	if !env.Encrypted() {
		// the service is disabled: send the original bytes
		setBody(out, body)
		return out, nil
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := i.store.Register(token, km); err != nil {
		return nil, err
	}

	setBody(out, encoded)
	out.Header.Set("Content-Type", "application/json")
	i.echo(out.Header, km)

	metricEncryptedRequests.WithLabelValues("body").Inc()
	log.V(logs.Debug).Info("Sending request with encrypted body", "method", req.Method, "url", req.URL.Redacted(), "decision", decision)

	return out.WithContext(WithToken(ctx, token)), nil
}

// exchangeKeys registers fresh key material for token and sends it wrapped in
// the X-Encrypted-Key and X-IV headers of out.
func (i *Interceptor) exchangeKeys(ctx context.Context, out *http.Request, token string, decision Decision) (*http.Request, error) {
	exchange, err := i.service.NewKeyExchange(ctx)
	if err != nil {
		metricFailures.WithLabelValues("encrypt").Inc()
		return nil, err
	}

	if err := i.store.Register(token, exchange.KeyMaterial); err != nil {
		return nil, err
	}

	out.Header.Set(HeaderEncryptedKey, exchange.WrappedKey)
	out.Header.Set(HeaderIV, exchange.IV)
	i.echo(out.Header, exchange.KeyMaterial)

	metricEncryptedRequests.WithLabelValues("header").Inc()
	klog.FromContext(ctx).WithName("transport").V(logs.Debug).Info("Sending request with header key exchange", "method", out.Method, "url", out.URL.Redacted(), "decision", decision)

	return out.WithContext(WithToken(ctx, token)), nil
}

// InterceptResponse decrypts resp in place if its body is an encrypted
// response. The correlation entry of the originating request is always
// removed. Responses whose key material is missing are returned unchanged.
func (i *Interceptor) InterceptResponse(resp *http.Response) (*http.Response, error) {
	ctx := context.Background()
	if resp.Request != nil {
		ctx = resp.Request.Context()
	}
	log := klog.FromContext(ctx).WithName("transport")

	token, hasToken := TokenFrom(ctx)
	if hasToken {
		defer i.store.Evict(token)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(body) > maxResponseBodySize {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBodySize)
	}

	encrypted, ok := ClassifyResponse(body, resp.Header).(EncryptedResponse)
	if !ok {
		setResponseBody(resp, body)
		return resp, nil
	}

	if !hasToken {
		return i.passThrough(ctx, resp, body, fmt.Errorf("%w: request carried no correlation token", correlation.ErrCorrelationMissing)), nil
	}

	entry, err := i.store.Resolve(token)
	if err != nil {
		return i.passThrough(ctx, resp, body, err), nil
	}

	plaintext, err := i.service.OpenResponse(ctx, envelope.DecryptInput{
		Ciphertext: encrypted.Ciphertext,
		AESKey:     entry.KeyMaterial.AESKey,
		IV:         entry.KeyMaterial.IV,
		AuthTag:    encrypted.AuthTag,
	})
	if err != nil {
		metricFailures.WithLabelValues("decrypt").Inc()
		return nil, err
	}

	resp.Header.Del(HeaderAuthTag)
	resp.Header.Del("Content-Encoding")
	setResponseBody(resp, plaintext)

	metricDecryptedResponses.Inc()
	log.V(logs.Debug).Info("Decrypted response", "status", resp.StatusCode, "authTagSource", encrypted.AuthTagSource)

	return resp, nil
}

func (i *Interceptor) passThrough(ctx context.Context, resp *http.Response, body []byte, reason error) *http.Response {
	metricCorrelationMisses.Inc()
	klog.FromContext(ctx).WithName("transport").Info("Passing encrypted response through undecrypted", "status", resp.StatusCode, "error", reason.Error())

	setResponseBody(resp, body)

	return resp
}

func (i *Interceptor) echo(header http.Header, km keymaterial.KeyMaterial) {
	if !i.echoKeyMaterial {
		return
	}

	header.Set(HeaderAESKey, km.AESKey)
	header.Set(HeaderIV, km.IV)
}

func hasNoBody(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return true
	}

	return req.Body == nil || req.Body == http.NoBody
}

func setBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Del("Content-Length")
}

func setResponseBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
}
