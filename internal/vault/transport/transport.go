// Package transport performs HTTP calls against the Vault API and classifies
// every response into a small set of outcomes the cache can act on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/leasecache/internal/document"
	"github.com/vyrodovalexey/leasecache/internal/observability"
)

// DefaultTimeout bounds every outbound call.
const DefaultTimeout = 3 * time.Second

// ErrCircuitOpen is carried by TransportFailure outcomes rejected by an open breaker.
var ErrCircuitOpen = errors.New("transport: circuit breaker open")

// errOutcomeFailed marks outcomes the breaker counts as failures.
var errOutcomeFailed = errors.New("transport: failed outcome")

// Kind classifies a response.
type Kind int

const (
	Success Kind = iota
	NotFound
	Forbidden
	Throttled
	ServerError
	TransportFailure
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case Throttled:
		return "throttled"
	case ServerError:
		return "server_error"
	case TransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is a single API call. Path excludes the /v1 prefix.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Token  string
	Body   map[string]interface{}
}

// Outcome is the classified result of a Request.
type Outcome struct {
	Kind     Kind
	Status   int
	Document document.Document

	// Redirect is set when the server answered with a 3xx, which usually
	// means the request reached a standby node.
	Redirect bool

	// Err describes the failure for every kind except Success and NotFound.
	Err error
}

// OK reports whether the outcome is Success.
func (o *Outcome) OK() bool {
	return o != nil && o.Kind == Success
}

// Doer executes requests. Implementations never return a nil Outcome.
type Doer interface {
	Do(ctx context.Context, req *Request) *Outcome
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// Config configures the transport.
type Config struct {
	Address   string
	Namespace string
	Timeout   time.Duration
	TLS       *TLSConfig

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	// BreakerThreshold is the number of consecutive failures that opens the
	// breaker; zero disables it.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// GetTimeout returns the effective timeout.
func (c Config) GetTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Client is the Vault-backed Doer.
type Client struct {
	api     *vaultapi.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  observability.Logger
	metrics *Metrics
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// New creates a transport client. Redirects are never followed and the
// underlying API client does not retry on its own.
func New(cfg Config, opts ...Option) (*Client, error) {
	apiConfig := vaultapi.DefaultConfig()
	if apiConfig.Error != nil {
		return nil, fmt.Errorf("vault api config: %w", apiConfig.Error)
	}
	if cfg.Address != "" {
		apiConfig.Address = cfg.Address
	}
	apiConfig.Timeout = cfg.GetTimeout()
	apiConfig.MaxRetries = 0
	apiConfig.DisableRedirects = true

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		apiConfig.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.TLS != nil {
		tlsConfig := &vaultapi.TLSConfig{
			CACert:        cfg.TLS.CACert,
			ClientCert:    cfg.TLS.ClientCert,
			ClientKey:     cfg.TLS.ClientKey,
			TLSServerName: cfg.TLS.ServerName,
			Insecure:      cfg.TLS.SkipVerify,
		}
		if err := apiConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	// The token is chosen per request; drop anything picked up from VAULT_TOKEN.
	api.ClearToken()
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	c := &Client{
		api:     api,
		timeout: cfg.GetTimeout(),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(observability.String("component", "transport"))

	if cfg.BreakerThreshold > 0 {
		c.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, c.logger, c.metrics)
	}

	return c, nil
}

func newBreaker(threshold int, timeout time.Duration, logger observability.Logger, metrics *Metrics) *gobreaker.CircuitBreaker {
	limit := safeIntToUint32(threshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vault",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			metrics.breakerState(to)
		},
	})
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// Do performs req and classifies the result.
func (c *Client) Do(ctx context.Context, req *Request) *Outcome {
	start := time.Now()

	var out *Outcome
	if c.breaker == nil {
		out = c.do(ctx, req)
	} else {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			o := c.do(ctx, req)
			if o.Kind == ServerError || o.Kind == TransportFailure {
				return o, errOutcomeFailed
			}
			return o, nil
		})
		if o, ok := res.(*Outcome); ok && o != nil {
			out = o
		} else {
			out = &Outcome{Kind: TransportFailure, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
		}
	}

	c.metrics.observeRequest(req.Method, out.Kind, time.Since(start))
	c.log(req, out)
	return out
}

func (c *Client) do(ctx context.Context, req *Request) *Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := c.api.NewRequest(req.Method, "/v1/"+strings.TrimLeft(req.Path, "/"))
	r.ClientToken = req.Token
	if len(req.Query) > 0 {
		r.Params = req.Query
	}
	if req.Body != nil {
		if err := r.SetJSONBody(req.Body); err != nil {
			return &Outcome{Kind: TransportFailure, Err: fmt.Errorf("encode body: %w", err)}
		}
	}

	//nolint:staticcheck // raw access is needed to see redirect and error statuses
	resp, err := c.api.RawRequestWithContext(ctx, r)
	if resp == nil || resp.Response == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		return &Outcome{Kind: TransportFailure, Err: err}
	}
	defer resp.Body.Close()

	out := &Outcome{Kind: Classify(resp.StatusCode), Status: resp.StatusCode}
	out.Redirect = resp.StatusCode >= 300 && resp.StatusCode < 400

	if out.Kind == Success {
		doc, decodeErr := document.Decode(resp.Body)
		if decodeErr != nil {
			return &Outcome{Kind: ServerError, Status: resp.StatusCode, Err: decodeErr}
		}
		out.Document = doc
		return out
	}

	if out.Kind != NotFound {
		if err == nil {
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		out.Err = err
	}
	return out
}

// Classify maps an HTTP status to an outcome kind.
func Classify(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Forbidden
	case status == http.StatusTooManyRequests || status == http.StatusBadGateway:
		return Throttled
	default:
		return ServerError
	}
}

func (c *Client) log(req *Request, out *Outcome) {
	fields := []observability.Field{
		observability.String("method", req.Method),
		observability.String("path", req.Path),
		observability.Int("status", out.Status),
	}

	switch {
	case out.Redirect:
		c.logger.Warn("redirect not followed, request possibly sent to a standby node", fields...)
	case out.Kind == Throttled:
		c.logger.Warn("request throttled", fields...)
	case out.Kind == TransportFailure:
		c.logger.Error("request failed", append(fields, observability.Error(out.Err))...)
	case out.Kind == ServerError && out.Status >= 500:
		c.logger.Error("server error", append(fields, observability.Error(out.Err))...)
	case out.Kind == ServerError:
		c.logger.Warn("unexpected response", fields...)
	default:
		c.logger.Debug("request completed", fields...)
	}
}
