package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// PerSecond converts the configured minute budget into a token rate.
func (r RateLimitConfig) PerSecond() float64 {
	return r.RequestsPerMinute / 60
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
	LogRequests bool   `yaml:"logRequests"`
}

type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	RoleClaim  string        `yaml:"roleClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
	enabledSet bool          `yaml:"-"`
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled    *bool         `yaml:"enabled"`
		HMACSecret string        `yaml:"hmacSecret"`
		Issuer     string        `yaml:"issuer"`
		Audience   string        `yaml:"audience"`
		RoleClaim  string        `yaml:"roleClaim"`
		ClockSkew  time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.enabledSet = raw.Enabled != nil
	if a.enabledSet {
		a.Enabled = *raw.Enabled
	}
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.RoleClaim = raw.RoleClaim
	a.ClockSkew = raw.ClockSkew
	return nil
}

// WalletConfig points the payout dispatcher at the wallet collaborator. An
// empty endpoint leaves instructions in the outbox.
type WalletConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Secret      string        `yaml:"secret"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// RegistryConfig gates milestone creation on the NGO registry.
type RegistryConfig struct {
	RequireVerifiedNGO bool `yaml:"requireVerifiedNGO"`
}

type Config struct {
	Environment   string              `yaml:"environment"`
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Wallet        WalletConfig        `yaml:"wallet"`
	Registry      RegistryConfig      `yaml:"registry"`
}

// Default returns the service defaults used when no file is supplied.
func Default() Config {
	return Config{
		Environment:   "dev",
		ListenAddress: ":8080",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             50,
		},
		Observability: ObservabilityConfig{
			ServiceName: "escrowd",
			Metrics:     true,
			Tracing:     true,
			LogRequests: true,
		},
		Auth: AuthConfig{
			Enabled:    true,
			RoleClaim:  "roles",
			ClockSkew:  2 * time.Minute,
			enabledSet: true,
		},
		Wallet: WalletConfig{
			Timeout:     15 * time.Second,
			MaxAttempts: 3,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg == nil {
		return
	}
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.Auth.RoleClaim) == "" {
		cfg.Auth.RoleClaim = "roles"
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "escrowd"
	}
	if cfg.Wallet.Timeout <= 0 {
		cfg.Wallet.Timeout = 15 * time.Second
	}
	if cfg.Wallet.MaxAttempts <= 0 {
		cfg.Wallet.MaxAttempts = 3
	}
}

var (
	ErrAuthSecretRequired     = errors.New("auth.hmacSecret is required when auth is enabled")
	ErrAuthDisabledOutsideDev = errors.New("auth may only be disabled in the dev environment")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretRequired
	}
	if !cfg.Auth.Enabled && !isDevEnv(cfg.Environment) {
		return ErrAuthDisabledOutsideDev
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rateLimit.requestsPerMinute cannot be negative")
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit.burst cannot be negative")
	}
	if endpoint := strings.TrimSpace(cfg.Wallet.Endpoint); endpoint != "" {
		target, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parse wallet endpoint: %w", err)
		}
		if _, _, err := EnforceSecureScheme(cfg.Environment, target, false); err != nil {
			return fmt.Errorf("wallet endpoint: %w", err)
		}
		if strings.TrimSpace(cfg.Wallet.Secret) == "" {
			return fmt.Errorf("wallet.secret is required when wallet.endpoint is set")
		}
	}
	return nil
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
