// Package correlation remembers the key material used for each in-flight
// request so that its response can be decrypted with the same key and IV.
package correlation

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmylund/go-cache"

	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
)

const (
	// DefaultTTL bounds how long an entry for an abandoned request is kept.
	DefaultTTL = 2 * time.Minute

	shardCount = 32
)

var (
	// ErrCorrelationMissing is returned by Resolve when no live entry exists
	// for the token, because it was never registered, was already resolved or
	// evicted, or expired.
	ErrCorrelationMissing = errors.New("no key material registered for correlation token")

	// ErrTokenCollision is returned by Register when the token is already live.
	ErrTokenCollision = errors.New("correlation token is already registered")
)

type timeInterface interface {
	now() time.Time
}

type realTime struct{}

func (*realTime) now() time.Time {
	return time.Now()
}

// Entry is the key material registered for one request.
type Entry struct {
	Token       string
	KeyMaterial keymaterial.KeyMaterial
	CreatedAt   time.Time
}

// shard pairs a TTL cache with a mutex so that Resolve can get and delete
// as one step; go-cache only locks each call individually.
type shard struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// Store maps correlation tokens to key material. It is safe for concurrent
// use. Entries are single use: a successful Resolve removes them.
type Store struct {
	shards [shardCount]*shard
	ttl    time.Duration
	clock  timeInterface
}

// NewStore creates a store whose entries expire after ttl. A ttl of zero or
// less selects DefaultTTL. Expired entries are purged by a background janitor
// every ttl.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store{ttl: ttl, clock: &realTime{}}
	for i := range s.shards {
		s.shards[i] = &shard{cache: cache.New(ttl, ttl)}
	}

	return s
}

// NewToken returns a token for a request to url, unique even for concurrent
// requests to the same URL.
func NewToken(url string) string {
	return url + "_" + uuid.NewString()
}

// TTL returns the entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Register records km against token.
func (s *Store) Register(token string, km keymaterial.KeyMaterial) error {
	if token == "" {
		return fmt.Errorf("correlation token cannot be empty")
	}

	entry := &Entry{
		Token:       token,
		KeyMaterial: km,
		CreatedAt:   s.clock.now(),
	}

	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := sh.cache.Add(token, entry, cache.DefaultExpiration); err != nil {
		return fmt.Errorf("%w: %s", ErrTokenCollision, token)
	}

	return nil
}

// Resolve returns and removes the entry for token.
func (s *Store) Resolve(token string) (Entry, error) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o, ok := sh.cache.Get(token)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrCorrelationMissing, token)
	}

	sh.cache.Delete(token)

	return *o.(*Entry), nil
}

// Evict removes the entry for token if present. It is used when a request is
// cancelled or fails before a response arrives.
func (s *Store) Evict(token string) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.cache.Delete(token)
}

// Len returns the number of entries, which may include expired entries not
// yet purged.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.cache.ItemCount()
	}

	return n
}

func (s *Store) shardFor(token string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))

	return s.shards[h.Sum32()%shardCount]
}
