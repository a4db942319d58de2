// Package config loads leasecache settings from YAML files and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/leasecache/internal/lease"
	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/retry"
	"github.com/vyrodovalexey/leasecache/internal/vault"
	"github.com/vyrodovalexey/leasecache/internal/vault/auth"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

// Default values.
const (
	DefaultVaultAddress     = "http://127.0.0.1:8200"
	DefaultListenAddress    = ":8100"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultServiceName      = "leasecache"
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
)

// Config is the root configuration.
type Config struct {
	Vault     VaultConfig     `yaml:"vault" json:"vault"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// VaultConfig locates the Vault server.
type VaultConfig struct {
	Address   string     `yaml:"address" json:"address"`
	Namespace string     `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	TLS       *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSConfig holds client TLS material for the Vault connection.
type TLSConfig struct {
	CACert     string `yaml:"caCert,omitempty" json:"caCert,omitempty"`
	ClientCert string `yaml:"clientCert,omitempty" json:"clientCert,omitempty"`
	ClientKey  string `yaml:"clientKey,omitempty" json:"clientKey,omitempty"`
	ServerName string `yaml:"serverName,omitempty" json:"serverName,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`
}

// AuthConfig selects and parameterizes the login method.
type AuthConfig struct {
	Method                  string `yaml:"method" json:"method"`
	Path                    string `yaml:"path,omitempty" json:"path,omitempty"`
	Role                    string `yaml:"role,omitempty" json:"role,omitempty"`
	Token                   string `yaml:"token,omitempty" json:"-"`
	TokenFile               string `yaml:"tokenFile,omitempty" json:"tokenFile,omitempty"`
	JWT                     string `yaml:"jwt,omitempty" json:"-"`
	RoleID                  string `yaml:"roleId,omitempty" json:"roleId,omitempty"`
	SecretID                string `yaml:"secretId,omitempty" json:"-"`
	ServiceAccountTokenPath string `yaml:"serviceAccountTokenPath,omitempty" json:"serviceAccountTokenPath,omitempty"`
	GCPMetadataURL          string `yaml:"gcpMetadataURL,omitempty" json:"gcpMetadataURL,omitempty"`
}

// CacheConfig tunes lease handling.
type CacheConfig struct {
	RenewFraction        float64  `yaml:"renewFraction" json:"renewFraction"`
	DefaultLeaseDuration Duration `yaml:"defaultLeaseDuration" json:"defaultLeaseDuration"`
	MaxEntries           int      `yaml:"maxEntries" json:"maxEntries"`
}

// TransportConfig tunes outbound requests.
type TransportConfig struct {
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	RateLimit        float64  `yaml:"rateLimit" json:"rateLimit"`
	Burst            int      `yaml:"burst" json:"burst"`
	BreakerThreshold int      `yaml:"breakerThreshold" json:"breakerThreshold"`
	BreakerTimeout   Duration `yaml:"breakerTimeout" json:"breakerTimeout"`
}

// RetryConfig tunes retries of synchronous fetches.
type RetryConfig struct {
	MaxRetries   int      `yaml:"maxRetries" json:"maxRetries"`
	BaseBackoff  Duration `yaml:"baseBackoff" json:"baseBackoff"`
	MaxBackoff   Duration `yaml:"maxBackoff" json:"maxBackoff"`
	JitterFactor float64  `yaml:"jitterFactor" json:"jitterFactor"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// ServerConfig configures the HTTP sidecar.
type ServerConfig struct {
	ListenAddress   string   `yaml:"listenAddress" json:"listenAddress"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// DefaultConfig returns a configuration with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		Vault: VaultConfig{
			Address: DefaultVaultAddress,
		},
		Auth: AuthConfig{
			Method: auth.MethodToken,
		},
		Cache: CacheConfig{
			RenewFraction:        lease.DefaultRenewFraction,
			DefaultLeaseDuration: Duration(vault.DefaultLeaseDuration),
		},
		Transport: TransportConfig{
			Timeout:          Duration(transport.DefaultTimeout),
			BreakerThreshold: DefaultBreakerThreshold,
			BreakerTimeout:   Duration(DefaultBreakerTimeout),
		},
		Retry: RetryConfig{
			MaxRetries:   retry.DefaultAttempts - 1,
			BaseBackoff:  Duration(retry.DefaultInitialBackoff),
			MaxBackoff:   Duration(retry.DefaultMaxBackoff),
			JitterFactor: retry.DefaultJitterFactor,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Output: "stderr",
		},
		Tracing: TracingConfig{
			ServiceName:  DefaultServiceName,
			SamplingRate: 1.0,
		},
		Server: ServerConfig{
			ListenAddress:   DefaultListenAddress,
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
		},
	}
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

var validAuthMethods = map[string]bool{
	auth.MethodToken:      true,
	auth.MethodTokenFile:  true,
	auth.MethodGCP:        true,
	auth.MethodJWT:        true,
	auth.MethodKubernetes: true,
	auth.MethodAppRole:    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns the first invalid field as a *ConfigError.
func (c *Config) Validate() error {
	if c.Vault.Address == "" {
		return &ConfigError{Field: "vault.address", Message: "is required"}
	}
	if !strings.HasPrefix(c.Vault.Address, "http://") && !strings.HasPrefix(c.Vault.Address, "https://") {
		return &ConfigError{Field: "vault.address", Message: fmt.Sprintf("must be an http or https URL, got %q", c.Vault.Address)}
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.Cache.RenewFraction < 0 || c.Cache.RenewFraction > 1 {
		return &ConfigError{Field: "cache.renewFraction", Message: fmt.Sprintf("must be between 0 and 1, got %v", c.Cache.RenewFraction)}
	}
	if c.Cache.DefaultLeaseDuration < 0 {
		return &ConfigError{Field: "cache.defaultLeaseDuration", Message: "must be non-negative"}
	}
	if c.Cache.MaxEntries < 0 {
		return &ConfigError{Field: "cache.maxEntries", Message: "must be non-negative"}
	}

	if c.Transport.Timeout <= 0 {
		return &ConfigError{Field: "transport.timeout", Message: "must be positive"}
	}
	if c.Transport.RateLimit < 0 {
		return &ConfigError{Field: "transport.rateLimit", Message: "must be non-negative"}
	}
	if c.Transport.BreakerThreshold < 0 {
		return &ConfigError{Field: "transport.breakerThreshold", Message: "must be non-negative"}
	}

	if c.Retry.MaxRetries < 0 {
		return &ConfigError{Field: "retry.maxRetries", Message: "must be non-negative"}
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > retry.MaxJitterFactor {
		return &ConfigError{Field: "retry.jitterFactor", Message: "must be between 0 and 1"}
	}

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("invalid level %q, must be one of: debug, info, warn, error", c.Logging.Level)}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("invalid format %q, must be json or console", c.Logging.Format)}
	}

	if c.Tracing.Enabled && (c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1) {
		return &ConfigError{Field: "tracing.samplingRate", Message: "must be between 0 and 1"}
	}
	return nil
}

func (c *Config) validateAuth() error {
	method := strings.ToLower(c.Auth.Method)
	if method == "" {
		method = auth.MethodToken
	}
	if !validAuthMethods[method] {
		return &ConfigError{Field: "auth.method", Message: fmt.Sprintf("unknown method %q", c.Auth.Method)}
	}

	switch method {
	case auth.MethodToken:
		if c.Auth.Token == "" {
			return &ConfigError{Field: "auth.token", Message: "is required for token auth (set VAULT_TOKEN)"}
		}
	case auth.MethodTokenFile:
		if c.Auth.TokenFile == "" {
			return &ConfigError{Field: "auth.tokenFile", Message: "is required for token_file auth"}
		}
	case auth.MethodKubernetes:
		if c.Auth.Role == "" {
			return &ConfigError{Field: "auth.role", Message: "is required for kubernetes auth"}
		}
	case auth.MethodJWT:
		if c.Auth.Role == "" {
			return &ConfigError{Field: "auth.role", Message: "is required for jwt auth"}
		}
		if c.Auth.JWT == "" {
			return &ConfigError{Field: "auth.jwt", Message: "is required for jwt auth"}
		}
	case auth.MethodAppRole:
		if c.Auth.RoleID == "" {
			return &ConfigError{Field: "auth.roleId", Message: "is required for approle auth"}
		}
	}
	return nil
}

// TransportConfig converts the vault and transport sections.
func (c *Config) TransportConfig() transport.Config {
	cfg := transport.Config{
		Address:          c.Vault.Address,
		Namespace:        c.Vault.Namespace,
		Timeout:          c.Transport.Timeout.Duration(),
		RateLimit:        c.Transport.RateLimit,
		Burst:            c.Transport.Burst,
		BreakerThreshold: c.Transport.BreakerThreshold,
		BreakerTimeout:   c.Transport.BreakerTimeout.Duration(),
	}
	if t := c.Vault.TLS; t != nil {
		cfg.TLS = &transport.TLSConfig{
			CACert:     t.CACert,
			ClientCert: t.ClientCert,
			ClientKey:  t.ClientKey,
			ServerName: t.ServerName,
			SkipVerify: t.SkipVerify,
		}
	}
	return cfg
}

// AuthConfig converts the auth section.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Method:                  c.Auth.Method,
		Path:                    c.Auth.Path,
		Role:                    c.Auth.Role,
		Token:                   c.Auth.Token,
		TokenFile:               c.Auth.TokenFile,
		JWT:                     c.Auth.JWT,
		RoleID:                  c.Auth.RoleID,
		SecretID:                c.Auth.SecretID,
		ServiceAccountTokenPath: c.Auth.ServiceAccountTokenPath,
		GCPMetadataURL:          c.Auth.GCPMetadataURL,
	}
}

// RetryConfig converts the retry section. MaxRetries counts retries, so the
// attempt budget is one more.
func (c *Config) RetryConfig() *retry.Config {
	return &retry.Config{
		Attempts:       c.Retry.MaxRetries + 1,
		InitialBackoff: c.Retry.BaseBackoff.Duration(),
		MaxBackoff:     c.Retry.MaxBackoff.Duration(),
		JitterFactor:   c.Retry.JitterFactor,
	}
}

// LeasePolicy converts the cache section's renew fraction.
func (c *Config) LeasePolicy() lease.Policy {
	return lease.Policy{RenewFraction: c.Cache.RenewFraction}
}

// LogConfig converts the logging section.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TracerConfig converts the tracing section.
func (c *Config) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:  c.Tracing.ServiceName,
		OTLPEndpoint: c.Tracing.Endpoint,
		SamplingRate: c.Tracing.SamplingRate,
		Enabled:      c.Tracing.Enabled,
	}
}

// String summarizes the configuration without credentials.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Vault: %s, Namespace: %q, AuthMethod: %s, RenewFraction: %v, Timeout: %s, Listen: %s, Tracing: %t}",
		c.Vault.Address, c.Vault.Namespace, c.Auth.Method, c.Cache.RenewFraction,
		c.Transport.Timeout.Duration(), c.Server.ListenAddress, c.Tracing.Enabled,
	)
}
