package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvVaultAddr       = "VAULT_ADDR"
	EnvVaultToken      = "VAULT_TOKEN"
	EnvVaultNamespace  = "VAULT_NAMESPACE"
	EnvVaultAuthMethod = "VAULT_AUTH_METHOD"
	EnvVaultAuthPath   = "VAULT_AUTH_PATH"
	EnvVaultAuthRole   = "VAULT_AUTH_ROLE"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

const escapedDollar = "\x00ESCAPED_DOLLAR\x00"

// Loader reads configuration. The lookup function defaults to os.LookupEnv.
type Loader struct {
	lookup func(string) (string, bool)
}

// LoaderOption is a functional option for the loader.
type LoaderOption func(*Loader)

// WithLookup replaces the environment lookup.
func WithLookup(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookup = lookup
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file at path. An empty path yields the defaults with
// environment overrides applied. The result is validated.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		l.applyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := l.LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses YAML from r over the defaults, substitutes
// environment references, applies overrides and validates.
func (l *Loader) LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	content := l.substituteEnvVars(string(data))
	if strings.TrimSpace(content) != "" {
		dec := yaml.NewDecoder(bytes.NewBufferString(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	l.applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// substituteEnvVars expands ${VAR} and ${VAR:-default}. "$$" is a literal
// dollar sign.
func (l *Loader) substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", escapedDollar)

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		if value, ok := l.lookup(submatches[1]); ok {
			return value
		}
		if len(submatches) >= 3 {
			return submatches[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, escapedDollar, "$")
}

// applyEnv overrides file values with the standard Vault variables. An
// environment token implies token auth unless a method was also given.
func (l *Loader) applyEnv(cfg *Config) {
	if v, ok := l.nonEmpty(EnvVaultAddr); ok {
		cfg.Vault.Address = v
	}
	if v, ok := l.nonEmpty(EnvVaultNamespace); ok {
		cfg.Vault.Namespace = v
	}
	if v, ok := l.nonEmpty(EnvVaultToken); ok {
		cfg.Auth.Token = v
	}
	if v, ok := l.nonEmpty(EnvVaultAuthMethod); ok {
		cfg.Auth.Method = strings.ToLower(v)
	}
	if v, ok := l.nonEmpty(EnvVaultAuthPath); ok {
		cfg.Auth.Path = v
	}
	if v, ok := l.nonEmpty(EnvVaultAuthRole); ok {
		cfg.Auth.Role = v
	}
}

func (l *Loader) nonEmpty(name string) (string, bool) {
	v, ok := l.lookup(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Load reads the file at path using the process environment.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}
