// Package config loads the payload-envelope configuration from a YAML file
// overlaid with ENVELOPE_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/jetstack/payload-envelope/internal/correlation"
	"github.com/jetstack/payload-envelope/internal/envelope/keyfetch"
	"github.com/jetstack/payload-envelope/pkg/transport"
)

const defaultKeyFetchTimeout = 10 * time.Second

// Config is the complete configuration. It is read once at startup and
// never reloaded.
type Config struct {
	Encryption Encryption `yaml:"encryption"`
	PublicKey  PublicKey  `yaml:"public-key"`
	Debug      Debug      `yaml:"debug"`
}

// Encryption configures which requests are encrypted.
type Encryption struct {
	Enabled        bool          `yaml:"enabled"`
	Methods        []string      `yaml:"methods,omitempty"`
	Exclude        []string      `yaml:"exclude,omitempty"`
	CorrelationTTL time.Duration `yaml:"correlation-ttl"`
}

// PublicKey configures where the RSA public key comes from. The source not
// selected is used as the fallback.
type PublicKey struct {
	Source string `yaml:"source"`

	// PEM is an inline public key for the env source
	PEM string `yaml:"pem,omitempty"`
	// EnvVar is the variable read by the env source when PEM is empty
	EnvVar string `yaml:"env-var,omitempty"`

	BaseURL string        `yaml:"base-url,omitempty"`
	Path    string        `yaml:"path,omitempty"`
	Timeout time.Duration `yaml:"timeout"`

	// RetryAfterFailure is how long a failed resolution is kept before the
	// sources are tried again. Zero keeps it until the process restarts.
	RetryAfterFailure time.Duration `yaml:"retry-after-failure,omitempty"`
}

// Debug holds options which must never be enabled in production.
type Debug struct {
	// EchoKeyMaterial sends the raw AES key and IV in X-AES-Key and X-IV headers
	EchoKeyMaterial bool `yaml:"echo-key-material"`
}

// Default returns the configuration used for anything not set explicitly.
func Default() Config {
	return Config{
		Encryption: Encryption{
			Enabled:        true,
			Methods:        append([]string(nil), transport.DefaultMethods...),
			CorrelationTTL: correlation.DefaultTTL,
		},
		PublicKey: PublicKey{
			Source:  string(keyfetch.SourceEnv),
			EnvVar:  keyfetch.DefaultPublicKeyEnvVar,
			Timeout: defaultKeyFetchTimeout,
		},
	}
}

// Dump generates a YAML string of the Config object. The inline PEM is
// elided.
func (c *Config) Dump() (string, error) {
	redacted := *c
	if redacted.PublicKey.PEM != "" {
		redacted.PublicKey.PEM = "<redacted>"
	}

	d, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate YAML dump of config")
	}

	return string(d), nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	source, err := keyfetch.ParseSource(c.PublicKey.Source)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("public-key.source: %w", err))
	}

	if source == keyfetch.SourceAPI && c.PublicKey.BaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("public-key.base-url is required when public-key.source is %q", keyfetch.SourceAPI))
	}

	if c.PublicKey.BaseURL != "" {
		u, err := url.Parse(c.PublicKey.BaseURL)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("public-key.base-url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			result = multierror.Append(result, fmt.Errorf("public-key.base-url must be an http or https URL, got %q", c.PublicKey.BaseURL))
		case u.Host == "":
			result = multierror.Append(result, fmt.Errorf("public-key.base-url has no host: %q", c.PublicKey.BaseURL))
		}
	}

	if c.PublicKey.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("public-key.timeout must be positive, got %s", c.PublicKey.Timeout))
	}

	if c.PublicKey.RetryAfterFailure < 0 {
		result = multierror.Append(result, fmt.Errorf("public-key.retry-after-failure must not be negative, got %s", c.PublicKey.RetryAfterFailure))
	}

	if c.Encryption.CorrelationTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("encryption.correlation-ttl must be positive, got %s", c.Encryption.CorrelationTTL))
	}

	for i, m := range c.Encryption.Methods {
		if !isMethod(m) {
			result = multierror.Append(result, fmt.Errorf("encryption.methods %d/%d is not an HTTP method: %q", i+1, len(c.Encryption.Methods), m))
		}
	}

	for _, pattern := range c.Encryption.Exclude {
		if err := transport.ValidateExclusion(pattern); err != nil {
			result = multierror.Append(result, fmt.Errorf("encryption.exclude: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// ParseConfig reads YAML over the defaults. It does not validate.
func ParseConfig(data []byte) (Config, error) {
	config := Default()

	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return config, err
	}

	return config, nil
}

// Load reads the file at path (if path is non-empty), applies the ENVELOPE_*
// environment overlay and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, errors.Wrapf(err, "failed to read config file %s", path)
		}

		config, err = ParseConfig(data)
		if err != nil {
			return config, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	if err := config.ApplyEnv(lookupEnv); err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// Environment variables which override the file.
const (
	EnvEncryptionEnabled    = "ENVELOPE_ENCRYPTION_ENABLED"
	EnvEncryptionMethods    = "ENVELOPE_ENCRYPTION_METHODS"
	EnvEncryptionExclude    = "ENVELOPE_ENCRYPTION_EXCLUDE"
	EnvCorrelationTTL       = "ENVELOPE_CORRELATION_TTL"
	EnvPublicKeySource      = "ENVELOPE_PUBLIC_KEY_SOURCE"
	EnvPublicKeyBaseURL     = "ENVELOPE_PUBLIC_KEY_BASE_URL"
	EnvPublicKeyPath        = "ENVELOPE_PUBLIC_KEY_PATH"
	EnvPublicKeyTimeout     = "ENVELOPE_PUBLIC_KEY_TIMEOUT"
	EnvPublicKeyRetry       = "ENVELOPE_PUBLIC_KEY_RETRY_AFTER_FAILURE"
	EnvDebugEchoKeyMaterial = "ENVELOPE_DEBUG_ECHO_KEY_MATERIAL"
)

// ApplyEnv overrides fields from environment variables. Lists are comma
// separated.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	var result *multierror.Error

	parseBool := func(name string, into *bool) {
		if v, ok := lookupEnv(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				return
			}
			*into = b
		}
	}

	parseDuration := func(name string, into *time.Duration) {
		if v, ok := lookupEnv(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				return
			}
			*into = d
		}
	}

	parseList := func(name string, into *[]string) {
		if v, ok := lookupEnv(name); ok {
			*into = splitList(v)
		}
	}

	parseString := func(name string, into *string) {
		if v, ok := lookupEnv(name); ok {
			*into = strings.TrimSpace(v)
		}
	}

	parseBool(EnvEncryptionEnabled, &c.Encryption.Enabled)
	parseList(EnvEncryptionMethods, &c.Encryption.Methods)
	parseList(EnvEncryptionExclude, &c.Encryption.Exclude)
	parseDuration(EnvCorrelationTTL, &c.Encryption.CorrelationTTL)
	parseString(EnvPublicKeySource, &c.PublicKey.Source)
	parseString(EnvPublicKeyBaseURL, &c.PublicKey.BaseURL)
	parseString(EnvPublicKeyPath, &c.PublicKey.Path)
	parseDuration(EnvPublicKeyTimeout, &c.PublicKey.Timeout)
	parseDuration(EnvPublicKeyRetry, &c.PublicKey.RetryAfterFailure)
	parseBool(EnvDebugEchoKeyMaterial, &c.Debug.EchoKeyMaterial)

	return result.ErrorOrNil()
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

func isMethod(m string) bool {
	if m == "" {
		return false
	}

	for _, r := range m {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}

	return true
}
