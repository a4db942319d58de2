package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/leasecache/internal/document"
	"github.com/vyrodovalexey/leasecache/internal/lease"
	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/retry"
	"github.com/vyrodovalexey/leasecache/internal/vault/auth"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

const tracerName = "github.com/vyrodovalexey/leasecache/internal/vault"

// Engine wires the authenticator, the secret cache and the coordinator, and
// serves reads.
type Engine struct {
	doer   transport.Doer
	auth   *auth.Authenticator
	cache  *SecretCache
	coord  *Coordinator
	policy lease.Policy

	defaultLease time.Duration
	taskTimeout  time.Duration
	maxEntries   int
	retry        *retry.Config
	refreshHook  RefreshHook

	clock   func() time.Time
	logger  observability.Logger
	tracer  trace.Tracer
	metrics *Metrics

	group     singleflight.Group
	stopWatch func() error
	closed    atomic.Bool
}

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithClock sets the time source used for lease decisions.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTracerProvider sets the provider spans are recorded on. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithPolicy sets the lease policy for cached secrets.
func WithPolicy(policy lease.Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithDefaultLeaseDuration sets the retention window for responses without a lease.
func WithDefaultLeaseDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultLease = d
		}
	}
}

// WithMaxEntries bounds the cache; zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(e *Engine) {
		e.maxEntries = n
	}
}

// WithRetry sets the retry policy for synchronous fetches.
func WithRetry(cfg *retry.Config) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithTaskTimeout bounds each background task.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithRefreshHook observes finished background tasks.
func WithRefreshHook(hook RefreshHook) Option {
	return func(e *Engine) {
		e.refreshHook = hook
	}
}

// NewEngine creates an engine. It starts the authenticator's credential
// watcher when the strategy has one; Close stops it.
func NewEngine(doer transport.Doer, authenticator *auth.Authenticator, opts ...Option) (*Engine, error) {
	if doer == nil {
		return nil, errors.New("vault: transport is required")
	}
	if authenticator == nil {
		return nil, errors.New("vault: authenticator is required")
	}

	e := &Engine{
		doer:         doer,
		auth:         authenticator,
		policy:       lease.DefaultPolicy(),
		defaultLease: DefaultLeaseDuration,
		taskTimeout:  transport.DefaultTimeout,
		retry:        retry.DefaultConfig(),
		clock:        time.Now,
		logger:       observability.NopLogger(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}

	e.logger = e.logger.With(observability.String("component", "vault"))
	e.cache = NewSecretCache(e.maxEntries)
	e.cache.metrics = e.metrics
	e.cache.clock = e.clock
	e.coord = newCoordinator(e.taskTimeout, e.logger, e.tracer, e.metrics, e.refreshHook)

	stop, err := authenticator.Watch()
	if err != nil {
		return nil, fmt.Errorf("start credential watcher: %w", err)
	}
	e.stopWatch = stop

	return e, nil
}

// Cache returns the underlying secret cache.
func (e *Engine) Cache() *SecretCache {
	return e.cache
}

// Entries returns the number of cached paths.
func (e *Engine) Entries() int {
	return e.cache.Len()
}

// Snapshot lists cached entries.
func (e *Engine) Snapshot() []EntryInfo {
	return e.cache.Snapshot()
}

// Invalidate drops the cached entry for path so the next read fetches it.
func (e *Engine) Invalidate(path string) bool {
	return e.cache.Invalidate(path)
}

// Authenticated reports whether a credential is currently held.
func (e *Engine) Authenticated() bool {
	return e.auth.Authenticated()
}

// Wait blocks until all background tasks have finished.
func (e *Engine) Wait() {
	e.coord.Wait()
}

// Close rejects further reads, stops the credential watcher and waits for
// background tasks until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if e.stopWatch != nil {
		if err := e.stopWatch(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.coord.waitContext(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReadValue returns the field at fieldPath of the secret at path. A missing
// secret or field yields found == false and a nil error.
func (e *Engine) ReadValue(ctx context.Context, path, fieldPath string) (string, bool, error) {
	return e.read(ctx, NormalizePath(path), fieldPath)
}

func (e *Engine) read(ctx context.Context, key, fieldPath string) (value string, found bool, err error) {
	if e.closed.Load() {
		return "", false, ErrClosed
	}

	ctx, span := e.tracer.Start(ctx, "vault.read",
		trace.WithAttributes(
			attribute.String("vault.path", key),
			attribute.String("vault.field", fieldPath),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("vault.found", found))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if err := e.auth.EnsureAuthenticated(ctx); err != nil {
		return "", false, err
	}

	entry, err := e.lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !entry.Leased {
		return "", false, nil
	}

	v, ok := document.Query(entry.Value, fieldPath)
	if !ok {
		return "", false, nil
	}
	value, found = document.Render(v)
	return value, found, nil
}

// lookup applies the lease decision to the slot for key and returns the
// entry to serve.
func (e *Engine) lookup(ctx context.Context, key string) (*Entry, error) {
	now := e.clock()
	s := e.cache.slot(key)
	s.touch(now)

	cur := s.load()
	state := e.policy.Evaluate(cur.Leased, cur.IssuedAt, cur.LeaseDuration, now)
	action := Decide(state, cur.Renewable, s.inFlight.Load())
	e.metrics.read(action)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("vault.lease_state", state.String()),
		attribute.String("vault.decision", action.String()),
	)

	switch action {
	case ActionRenew:
		if s.tryAcquire() {
			e.coord.launch(ctx, s, RefreshRenew, func(ctx context.Context) (*Entry, error) {
				return e.renew(ctx, s, cur)
			})
		}
		return cur, nil
	case ActionRefetch:
		if s.tryAcquire() {
			e.coord.launch(ctx, s, RefreshRefetch, func(ctx context.Context) (*Entry, error) {
				return e.fetch(ctx, s)
			})
		}
		return cur, nil
	case ActionFetch, ActionRefetchSync:
		return e.syncFetch(ctx, s, action)
	default:
		return cur, nil
	}
}

// syncFetch blocks on a fetch. Concurrent callers for the same key share a
// single request, which runs detached from any one caller's cancellation and
// is bounded by the task timeout. Each caller stops waiting when its own
// context is done.
func (e *Engine) syncFetch(ctx context.Context, s *slot, action Action) (*Entry, error) {
	ch := e.group.DoChan(s.key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.taskTimeout)
		defer cancel()

		// Another caller may have completed a fetch while we waited.
		cur := s.load()
		switch e.policy.Evaluate(cur.Leased, cur.IssuedAt, cur.LeaseDuration, e.clock()) {
		case lease.Fresh, lease.NearExpiry:
			return cur, nil
		}

		var next *Entry
		err := retry.Do(ctx, e.retry, func() error {
			var fetchErr error
			next, fetchErr = e.fetch(ctx, s)
			return fetchErr
		}, &retry.Options{
			ShouldRetry: IsTransient,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				e.logger.WithContext(ctx).Warn("retrying fetch",
					observability.String("path", s.key),
					observability.Int("attempt", attempt),
					observability.Duration("backoff", backoff),
					observability.Error(err),
				)
			},
		})
		e.metrics.operation(action.String(), err)

		if isNotFound(err) {
			s.reset()
			return s.load(), nil
		}
		if err != nil {
			return nil, err
		}

		s.install(next)
		return s.load(), nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &Error{Op: "read", Path: s.key, Err: ctx.Err()}
	}
	if err := res.Err; err != nil {
		e.logger.WithContext(ctx).Error("synchronous fetch failed",
			observability.String("path", s.key),
			observability.String("decision", action.String()),
			observability.Error(err),
		)
		return nil, err
	}
	return res.Val.(*Entry), nil
}

// fetch performs a full read of the slot's secret.
func (e *Engine) fetch(ctx context.Context, s *slot) (*Entry, error) {
	ctx, span := e.tracer.Start(ctx, "vault.fetch", trace.WithAttributes(attribute.String("vault.path", s.key)))
	defer span.End()

	out := e.doer.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   s.path,
		Query:  s.query,
		Token:  e.auth.Token(),
	})
	span.SetAttributes(attribute.String("vault.outcome", out.Kind.String()))
	if err := outcomeError("read", s.key, out); err != nil {
		return nil, err
	}
	return newEntry(s.key, out.Document, e.clock(), e.defaultLease, s.ttlField), nil
}

// renew extends the lease of cur in place, keeping its value.
func (e *Engine) renew(ctx context.Context, s *slot, cur *Entry) (*Entry, error) {
	out := e.doer.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "sys/leases/renew",
		Token:  e.auth.Token(),
		Body: map[string]interface{}{
			"lease_id":  cur.LeaseID,
			"increment": int64(cur.LeaseDuration / time.Second),
		},
	})
	if err := outcomeError("renew", s.key, out); err != nil {
		return nil, err
	}
	if id, ok := document.String(out.Document, "lease_id"); !ok || id == "" {
		return nil, &Error{Op: "renew", Path: s.key, Code: out.Status, Err: errors.New("response has no lease_id")}
	}
	return cur.renewed(out.Document, e.clock(), e.defaultLease), nil
}
