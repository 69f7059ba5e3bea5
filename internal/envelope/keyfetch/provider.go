package keyfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/pkg/logs"
)

// Phase is the resolution state of a Provider.
type Phase int

const (
	// Unresolved means no resolution has been attempted since construction or
	// the last Reset.
	Unresolved Phase = iota
	// Resolved means a key is cached and no further I/O happens.
	Resolved
	// ResolutionFailed means both sources failed. It is sticky until Reset,
	// or until the retry-after-failure period passes when one is set.
	ResolutionFailed
)

func (p Phase) String() string {
	switch p {
	case Unresolved:
		return "Unresolved"
	case Resolved:
		return "Resolved"
	case ResolutionFailed:
		return "ResolutionFailed"
	}

	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is a snapshot of a Provider.
type State struct {
	Phase Phase

	// Key is set when Phase is Resolved
	Key PublicKey

	// Source is the source which produced Key
	Source Source

	// FellBack is true if Key came from the non-primary source
	FellBack bool

	// Err is the resolution error when Phase is ResolutionFailed
	Err error

	// FailedAt is when resolution failed
	FailedAt time.Time
}

// Provider resolves the RSA public key once, trying the primary source first
// and the other source second, and caches the outcome. It is safe for
// concurrent use. Concurrent callers share a single in-flight resolution, and
// each stops waiting as soon as its own context is done.
type Provider struct {
	primary Source
	sources map[Source]KeyFetcher

	retryAfterFailure time.Duration
	now               func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	state State
}

// NewProvider creates a provider. Either fetcher may be nil, in which case
// that source is treated as unavailable.
func NewProvider(primary Source, env KeyFetcher, api KeyFetcher) *Provider {
	if primary == "" {
		primary = SourceEnv
	}

	return &Provider{
		primary: primary,
		sources: map[Source]KeyFetcher{
			SourceEnv: env,
			SourceAPI: api,
		},
		now: time.Now,
	}
}

// WithRetryAfterFailure lets EnsurePublicKey resolve again once d has passed
// since a failed resolution. Zero, the default, keeps a failure until Reset.
func (p *Provider) WithRetryAfterFailure(d time.Duration) *Provider {
	p.retryAfterFailure = d
	return p
}

// EnsurePublicKey returns the cached key, resolving it on first use. Once
// resolution has failed every call returns an error wrapping
// ErrKeySourceUnavailable without any I/O, until Reset is called or the
// retry-after-failure period has passed.
//
// A resolution interrupted by the resolving caller's context is not recorded
// as a failure.
func (p *Provider) EnsurePublicKey(ctx context.Context) (PublicKey, error) {
	for {
		if key, done, err := p.cached(); done {
			return key, err
		}

		ch := p.group.DoChan("resolve", func() (any, error) {
			// a resolution may have completed between cached and DoChan
			if key, done, err := p.cached(); done {
				return key, err
			}

			return p.resolve(ctx)
		})

		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(PublicKey), nil
			}

			// the shared resolution was cut short by another caller's
			// context; try again with ours
			if res.Shared && ctx.Err() == nil && isContextError(res.Err) {
				continue
			}

			return PublicKey{}, res.Err
		case <-ctx.Done():
			return PublicKey{}, fmt.Errorf("stopped waiting for RSA public key: %w", context.Cause(ctx))
		}
	}
}

// cached reports the outcome of a previous resolution if it still applies.
func (p *Provider) cached() (PublicKey, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state.Phase {
	case Resolved:
		return p.state.Key, true, nil
	case ResolutionFailed:
		if p.retryAfterFailure <= 0 || p.now().Sub(p.state.FailedAt) < p.retryAfterFailure {
			return PublicKey{}, true, p.state.Err
		}
	}

	return PublicKey{}, false, nil
}

// resolve fetches from the primary source then the fallback, without holding
// p.mu during I/O, and records the outcome.
func (p *Provider) resolve(ctx context.Context) (PublicKey, error) {
	logger := klog.FromContext(ctx).WithName("keyfetch")

	key, primaryErr := p.fetch(ctx, p.primary)
	if primaryErr == nil {
		p.setState(State{Phase: Resolved, Key: key, Source: p.primary})
		return key, nil
	}

	if ctx.Err() != nil {
		return PublicKey{}, fmt.Errorf("%s: %w", p.primary, primaryErr)
	}

	fallback := p.primary.Other()
	logger.Info("Primary public key source failed, falling back", "primary", p.primary, "fallback", fallback, "error", primaryErr.Error())

	key, fallbackErr := p.fetch(ctx, fallback)
	if fallbackErr == nil {
		p.setState(State{Phase: Resolved, Key: key, Source: fallback, FellBack: true})
		return key, nil
	}

	err := fmt.Errorf("%w: %s: %w; %s: %w", ErrKeySourceUnavailable, p.primary, primaryErr, fallback, fallbackErr)

	if ctx.Err() != nil {
		return PublicKey{}, err
	}

	logger.Error(err, "Failed to resolve RSA public key")

	p.setState(State{
		Phase:    ResolutionFailed,
		Err:      err,
		FailedAt: p.now(),
	})

	return PublicKey{}, err
}

// fetch tries a single source.
func (p *Provider) fetch(ctx context.Context, source Source) (PublicKey, error) {
	fetcher := p.sources[source]
	if fetcher == nil {
		return PublicKey{}, fmt.Errorf("%s source is not configured", source)
	}

	key, err := fetcher.FetchKey(ctx)
	if err != nil {
		return PublicKey{}, err
	}

	klog.FromContext(ctx).WithName("keyfetch").V(logs.Debug).Info("Resolved RSA public key", "source", source, "kid", key.KeyID)

	return key, nil
}

func (p *Provider) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
}

// Reset returns the provider to Unresolved so that the next EnsurePublicKey
// resolves again. A resolution already in flight is not interrupted.
func (p *Provider) Reset() {
	p.setState(State{})
}

// State returns a snapshot of the provider state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
