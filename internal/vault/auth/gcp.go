package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

// DefaultGCPMetadataURL is the instance identity endpoint of the GCE metadata server.
const DefaultGCPMetadataURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/identity"

const maxIdentityTokenSize = 64 << 10

// GCPStrategy trades the instance identity token for a Vault token.
type GCPStrategy struct {
	role        string
	mount       string
	metadataURL string
	httpClient  *http.Client
}

// NewGCPStrategy creates a GCE identity login strategy. Without a role the
// identity token is minted for the plain "vault" audience.
func NewGCPStrategy(role, mount, metadataURL string) (*GCPStrategy, error) {
	if metadataURL == "" {
		metadataURL = DefaultGCPMetadataURL
	}
	return &GCPStrategy{
		role:        role,
		mount:       mountOrDefault(mount, MethodGCP),
		metadataURL: metadataURL,
		httpClient:  &http.Client{Timeout: transport.DefaultTimeout},
	}, nil
}

// Name implements Strategy.
func (s *GCPStrategy) Name() string { return MethodGCP }

// Login implements Strategy.
func (s *GCPStrategy) Login(ctx context.Context, doer transport.Doer) (*Credential, error) {
	jwt, err := s.identityToken(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{"jwt": jwt}
	if s.role != "" {
		body["role"] = s.role
	}
	return mountLogin(ctx, doer, s.mount, body)
}

func (s *GCPStrategy) identityToken(ctx context.Context) (string, error) {
	u, err := url.Parse(s.metadataURL)
	if err != nil {
		return "", fmt.Errorf("parse metadata url: %w", err)
	}
	q := u.Query()
	audience := "vault"
	if s.role != "" {
		audience += "/" + s.role
	}
	q.Set("audience", audience)
	q.Set("format", "full")
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity token request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityTokenSize))
	if err != nil {
		return "", fmt.Errorf("read identity token: %w", err)
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("empty identity token from metadata server")
	}
	return token, nil
}
