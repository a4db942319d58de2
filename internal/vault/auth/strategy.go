package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/vyrodovalexey/leasecache/internal/document"
	"github.com/vyrodovalexey/leasecache/internal/lease"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

// Method names.
const (
	MethodToken      = "token"
	MethodTokenFile  = "token_file"
	MethodGCP        = "gcp"
	MethodJWT        = "jwt"
	MethodKubernetes = "kubernetes"
	MethodAppRole    = "approle"
)

// DefaultServiceAccountTokenPath is the standard Kubernetes projected token path.
//
//nolint:gosec // G101: a well-known path, not a credential
const DefaultServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Config selects and parameterizes a strategy.
type Config struct {
	Method string
	// Path is the auth mount; it defaults to the method name.
	Path string
	Role string

	Token                   string
	TokenFile               string
	JWT                     string
	RoleID                  string
	SecretID                string
	ServiceAccountTokenPath string
	GCPMetadataURL          string
}

// NewStrategy builds the strategy named by cfg.Method.
func NewStrategy(cfg Config) (Strategy, error) {
	switch strings.ToLower(cfg.Method) {
	case "", MethodToken:
		return NewTokenStrategy(cfg.Token)
	case MethodTokenFile:
		return NewTokenFileStrategy(cfg.TokenFile)
	case MethodGCP:
		return NewGCPStrategy(cfg.Role, cfg.Path, cfg.GCPMetadataURL)
	case MethodJWT:
		return NewJWTStrategy(cfg.Role, cfg.Path, cfg.JWT)
	case MethodKubernetes:
		return NewKubernetesStrategy(cfg.Role, cfg.Path, cfg.ServiceAccountTokenPath)
	case MethodAppRole:
		return NewAppRoleStrategy(cfg.RoleID, cfg.SecretID, cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidAuthConfig, cfg.Method)
	}
}

// TokenStrategy uses a token that is already known. The token never expires
// from the cache's point of view.
type TokenStrategy struct {
	token string
}

// NewTokenStrategy creates a static token strategy.
func NewTokenStrategy(token string) (*TokenStrategy, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidAuthConfig)
	}
	return &TokenStrategy{token: token}, nil
}

// Name implements Strategy.
func (s *TokenStrategy) Name() string { return MethodToken }

// Login implements Strategy without any network call.
func (s *TokenStrategy) Login(ctx context.Context, _ transport.Doer) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Credential{Token: s.token}, nil
}

// mountLogin posts body to auth/<mount>/login and parses the auth block.
func mountLogin(ctx context.Context, doer transport.Doer, mount string, body map[string]interface{}) (*Credential, error) {
	out := doer.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "auth/" + strings.Trim(mount, "/") + "/login",
		Body:   body,
	})
	if !out.OK() {
		if out.Err != nil {
			return nil, fmt.Errorf("login %s: %w", out.Kind, out.Err)
		}
		return nil, fmt.Errorf("login %s", out.Kind)
	}
	return parseAuth(out.Document)
}

func parseAuth(doc document.Document) (*Credential, error) {
	token, ok := document.String(doc, "auth.client_token")
	if !ok || token == "" {
		return nil, fmt.Errorf("login response has no auth.client_token")
	}

	cred := &Credential{Token: token}
	cred.Accessor, _ = document.String(doc, "auth.accessor")
	cred.Policies, _ = document.Strings(doc, "auth.policies")
	cred.Renewable, _ = document.Bool(doc, "auth.renewable")
	if d, ok := document.Int(doc, "auth.lease_duration"); ok {
		cred.LeaseDuration = lease.Seconds(d)
	}
	return cred, nil
}

func mountOrDefault(mount, method string) string {
	if mount == "" {
		return method
	}
	return mount
}

// JWTStrategy exchanges a pre-issued JWT for a token.
type JWTStrategy struct {
	role  string
	mount string
	jwt   string
}

// NewJWTStrategy creates a JWT login strategy.
func NewJWTStrategy(role, mount, jwt string) (*JWTStrategy, error) {
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidAuthConfig)
	}
	if jwt == "" {
		return nil, fmt.Errorf("%w: jwt is required", ErrInvalidAuthConfig)
	}
	return &JWTStrategy{role: role, mount: mountOrDefault(mount, MethodJWT), jwt: jwt}, nil
}

// Name implements Strategy.
func (s *JWTStrategy) Name() string { return MethodJWT }

// Login implements Strategy.
func (s *JWTStrategy) Login(ctx context.Context, doer transport.Doer) (*Credential, error) {
	return mountLogin(ctx, doer, s.mount, map[string]interface{}{
		"role": s.role,
		"jwt":  s.jwt,
	})
}

// KubernetesStrategy logs in with the pod's service account token.
type KubernetesStrategy struct {
	role      string
	mount     string
	tokenPath string
}

// NewKubernetesStrategy creates a Kubernetes login strategy.
func NewKubernetesStrategy(role, mount, tokenPath string) (*KubernetesStrategy, error) {
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidAuthConfig)
	}
	if tokenPath == "" {
		tokenPath = DefaultServiceAccountTokenPath
	}
	return &KubernetesStrategy{
		role:      role,
		mount:     mountOrDefault(mount, MethodKubernetes),
		tokenPath: tokenPath,
	}, nil
}

// Name implements Strategy.
func (s *KubernetesStrategy) Name() string { return MethodKubernetes }

// Login implements Strategy. The token file is re-read on every login since
// projected tokens rotate.
func (s *KubernetesStrategy) Login(ctx context.Context, doer transport.Doer) (*Credential, error) {
	jwt, err := os.ReadFile(s.tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read service account token: %w", err)
	}
	return mountLogin(ctx, doer, s.mount, map[string]interface{}{
		"role": s.role,
		"jwt":  strings.TrimSpace(string(jwt)),
	})
}

// AppRoleStrategy logs in with a role ID and secret ID.
type AppRoleStrategy struct {
	roleID   string
	secretID string
	mount    string
}

// NewAppRoleStrategy creates an AppRole login strategy.
func NewAppRoleStrategy(roleID, secretID, mount string) (*AppRoleStrategy, error) {
	if roleID == "" {
		return nil, fmt.Errorf("%w: roleID is required", ErrInvalidAuthConfig)
	}
	if secretID == "" {
		return nil, fmt.Errorf("%w: secretID is required", ErrInvalidAuthConfig)
	}
	return &AppRoleStrategy{roleID: roleID, secretID: secretID, mount: mountOrDefault(mount, MethodAppRole)}, nil
}

// Name implements Strategy.
func (s *AppRoleStrategy) Name() string { return MethodAppRole }

// Login implements Strategy.
func (s *AppRoleStrategy) Login(ctx context.Context, doer transport.Doer) (*Credential, error) {
	return mountLogin(ctx, doer, s.mount, map[string]interface{}{
		"role_id":   s.roleID,
		"secret_id": s.secretID,
	})
}
