package transport

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Decision is the outcome of applying a Policy to a request.
type Decision int

const (
	// Default means the request is encrypted because it passed every rule.
	Default Decision = iota
	// Skip means the request is sent unchanged.
	Skip
	// Force means the request is encrypted regardless of method and exclusions.
	Force
)

func (d Decision) String() string {
	switch d {
	case Default:
		return "Default"
	case Skip:
		return "Skip"
	case Force:
		return "Force"
	}

	return fmt.Sprintf("Decision(%d)", int(d))
}

// Encrypt reports whether the request should be encrypted.
func (d Decision) Encrypt() bool {
	return d == Default || d == Force
}

// DefaultMethods are the methods encrypted when none are configured.
var DefaultMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}

// Policy decides which requests are encrypted. It is read-only once built.
type Policy struct {
	Enabled bool

	// Methods is the allowlist of upper case HTTP methods
	Methods sets.Set[string]

	// Exclusions are URL path patterns in path.Match syntax. A trailing "*"
	// also matches any longer path with the same prefix.
	Exclusions []string
}

// NewPolicy builds a Policy. Methods are upper-cased; an empty list selects
// DefaultMethods.
func NewPolicy(enabled bool, methods []string, exclusions []string) *Policy {
	if len(methods) == 0 {
		methods = DefaultMethods
	}

	allowed := sets.New[string]()
	for _, m := range methods {
		allowed.Insert(strings.ToUpper(strings.TrimSpace(m)))
	}

	return &Policy{
		Enabled:    enabled,
		Methods:    allowed,
		Exclusions: append([]string(nil), exclusions...),
	}
}

// Decide applies the rules in priority order: the per-request opt-out
// header, the global switch, the force header, the exclusion list and finally
// the method allowlist.
func (p *Policy) Decide(req *http.Request) Decision {
	switch {
	case isTrue(req.Header.Get(HeaderSkipEncryption)):
		return Skip
	case !p.Enabled:
		return Skip
	case isTrue(req.Header.Get(HeaderForceEncryption)):
		return Force
	case req.URL != nil && p.Excluded(req.URL.Path):
		return Skip
	case !p.Methods.Has(req.Method):
		return Skip
	}

	return Default
}

// Excluded reports whether urlPath matches an exclusion pattern.
func (p *Policy) Excluded(urlPath string) bool {
	for _, pattern := range p.Exclusions {
		if ok, _ := path.Match(pattern, urlPath); ok {
			return true
		}

		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(urlPath, prefix) {
			return true
		}
	}

	return false
}

// ValidateExclusion returns an error if pattern isn't valid path.Match syntax.
func ValidateExclusion(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("exclusion pattern cannot be empty")
	}

	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid exclusion pattern %q: %w", pattern, err)
	}

	return nil
}
