// Package auth owns the Vault bearer credential: it logs in through a
// pluggable strategy and re-authenticates when the credential's own lease
// nears expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/leasecache/internal/lease"
	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

const tracerName = "github.com/vyrodovalexey/leasecache/internal/vault/auth"

var (
	// ErrAuthenticationFailed indicates a login attempt did not yield a credential.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")

	// ErrInvalidAuthConfig is returned when auth configuration is invalid.
	ErrInvalidAuthConfig = errors.New("invalid auth configuration")
)

// Credential is a bearer token and its lease. It is never mutated after
// being stored.
type Credential struct {
	Token         string
	IssuedAt      time.Time
	LeaseDuration time.Duration // 0 means non-expiring
	Accessor      string
	Policies      []string
	Renewable     bool
}

// Strategy performs one login handshake.
type Strategy interface {
	Name() string
	Login(ctx context.Context, doer transport.Doer) (*Credential, error)
}

// Watcher is implemented by strategies whose credential source can change
// underneath a live credential.
type Watcher interface {
	// Watch calls onChange whenever the source changes until stop is called.
	Watch(onChange func()) (stop func() error, err error)
}

// Authenticator serializes logins and hands out the current token.
type Authenticator struct {
	strategy Strategy
	doer     transport.Doer
	policy   lease.Policy
	clock    func() time.Time
	logger   observability.Logger
	tracer   trace.Tracer
	onLogin  func(method string, err error)

	current atomic.Pointer[Credential]
	mu      sync.Mutex
}

// Option is a functional option for configuring the authenticator.
type Option func(*Authenticator)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) {
		a.clock = clock
	}
}

// WithPolicy sets the lease policy used for the credential.
func WithPolicy(policy lease.Policy) Option {
	return func(a *Authenticator) {
		a.policy = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithLoginHook registers a callback invoked after every login attempt.
func WithLoginHook(hook func(method string, err error)) Option {
	return func(a *Authenticator) {
		a.onLogin = hook
	}
}

// New creates an authenticator.
func New(strategy Strategy, doer transport.Doer, opts ...Option) *Authenticator {
	a := &Authenticator{
		strategy: strategy,
		doer:     doer,
		policy:   lease.DefaultPolicy(),
		clock:    time.Now,
		logger:   observability.NopLogger(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(
		observability.String("component", "auth"),
		observability.String("method", strategy.Name()),
	)
	return a
}

// Method returns the strategy name.
func (a *Authenticator) Method() string {
	return a.strategy.Name()
}

func (a *Authenticator) state(cred *Credential) lease.State {
	if cred == nil {
		return lease.Unleased
	}
	return a.policy.Evaluate(true, cred.IssuedAt, cred.LeaseDuration, a.clock())
}

// EnsureAuthenticated is a no-op while the credential is Fresh and logs in
// synchronously otherwise. Concurrent callers share a single login.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context) error {
	if a.state(a.current.Load()) == lease.Fresh {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cred := a.current.Load()
	state := a.state(cred)
	if state == lease.Fresh {
		return nil
	}

	return a.login(ctx, state)
}

func (a *Authenticator) login(ctx context.Context, state lease.State) error {
	ctx, span := a.tracer.Start(ctx, "auth.login",
		trace.WithAttributes(
			attribute.String("auth.method", a.strategy.Name()),
			attribute.String("auth.previous_state", state.String()),
		),
	)
	defer span.End()

	logger := a.logger.WithContext(ctx)
	logger.Debug("logging in", observability.String("state", state.String()))

	cred, err := a.strategy.Login(ctx, a.doer)
	if err == nil && (cred == nil || cred.Token == "") {
		err = errors.New("login returned no client token")
	}
	if a.onLogin != nil {
		a.onLogin(a.strategy.Name(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("login failed", observability.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, a.strategy.Name(), err)
	}

	stored := *cred
	stored.IssuedAt = a.clock()
	stored.Policies = append([]string(nil), cred.Policies...)
	a.current.Store(&stored)

	span.SetStatus(codes.Ok, "")
	logger.Info("login succeeded",
		observability.Duration("lease_duration", stored.LeaseDuration),
		observability.Strings("policies", stored.Policies),
	)
	return nil
}

// Token returns the current bearer token, or "" before the first login.
func (a *Authenticator) Token() string {
	if cred := a.current.Load(); cred != nil {
		return cred.Token
	}
	return ""
}

// Credential returns a copy of the current credential, or nil.
func (a *Authenticator) Credential() *Credential {
	cred := a.current.Load()
	if cred == nil {
		return nil
	}
	out := *cred
	out.Policies = append([]string(nil), cred.Policies...)
	return &out
}

// Authenticated reports whether a credential is held.
func (a *Authenticator) Authenticated() bool {
	return a.current.Load() != nil
}

// Invalidate drops the current credential so the next read logs in again.
func (a *Authenticator) Invalidate() {
	a.current.Store(nil)
}

// Watch starts the strategy's source watcher, if it has one. The returned
// stop function is never nil.
func (a *Authenticator) Watch() (func() error, error) {
	w, ok := a.strategy.(Watcher)
	if !ok {
		return func() error { return nil }, nil
	}
	stop, err := w.Watch(func() {
		a.logger.Info("credential source changed, invalidating token")
		a.Invalidate()
	})
	if err != nil {
		return func() error { return nil }, err
	}
	return stop, nil
}
