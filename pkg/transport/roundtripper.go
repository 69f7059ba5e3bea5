package transport

import (
	"net/http"
)

// Compile-time check that RoundTripper implements http.RoundTripper
var _ http.RoundTripper = (*RoundTripper)(nil)

// RoundTripper applies an Interceptor around a base transport.
type RoundTripper struct {
	base        http.RoundTripper
	interceptor *Interceptor
}

// NewRoundTripper wraps base, which defaults to http.DefaultTransport.
func NewRoundTripper(base http.RoundTripper, interceptor *Interceptor) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	return &RoundTripper{
		base:        base,
		interceptor: interceptor,
	}
}

// RoundTrip implements http.RoundTripper. If the base transport fails, for
// example because the request was cancelled, the request's correlation entry
// is evicted.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := rt.interceptor.InterceptRequest(req)
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	resp, err := rt.base.RoundTrip(out)
	if err != nil {
		if token, ok := TokenFrom(out.Context()); ok {
			rt.interceptor.store.Evict(token)
		}
		return nil, err
	}

	if resp.Request == nil {
		resp.Request = out
	}

	return rt.interceptor.InterceptResponse(resp)
}
