package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/leasecache/internal/observability"
)

// RefreshKind names a background task.
type RefreshKind string

const (
	RefreshRenew   RefreshKind = "renew"
	RefreshRefetch RefreshKind = "refetch"
)

// RefreshHook observes every finished background task.
type RefreshHook func(path string, kind RefreshKind, err error)

// refreshTask produces the replacement entry for a slot.
type refreshTask func(ctx context.Context) (*Entry, error)

// Coordinator runs background renew and refetch tasks. The caller acquires
// the slot's in-flight flag before launch; the coordinator releases it when
// the task ends, however it ends.
type Coordinator struct {
	wg      sync.WaitGroup
	timeout time.Duration
	logger  observability.Logger
	tracer  trace.Tracer
	metrics *Metrics
	hook    RefreshHook
}

func newCoordinator(timeout time.Duration, logger observability.Logger, tracer trace.Tracer, metrics *Metrics, hook RefreshHook) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		hook:    hook,
	}
}

// launch runs task on its own goroutine under a context detached from the
// reader's cancellation but bounded by the coordinator timeout. A successful
// result is installed in the slot.
func (c *Coordinator) launch(parent context.Context, s *slot, kind RefreshKind, task refreshTask) {
	c.wg.Add(1)
	c.metrics.taskStarted()

	go func() {
		defer c.wg.Done()
		defer c.metrics.taskFinished()
		defer s.release()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
		defer cancel()

		ctx, span := c.tracer.Start(ctx, "vault."+string(kind),
			trace.WithAttributes(attribute.String("vault.path", s.key)),
		)
		defer span.End()

		err := c.run(ctx, s, task)
		c.metrics.operation(string(kind), err)

		logger := c.logger.WithContext(ctx).With(
			observability.String("path", s.key),
			observability.String("task", string(kind)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("background refresh failed, serving cached value", observability.Error(err))
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("background refresh completed")
		}

		if c.hook != nil {
			c.hook(s.key, kind, err)
		}
	}()
}

func (c *Coordinator) run(ctx context.Context, s *slot, task refreshTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh task panicked: %v", r)
		}
	}()

	next, err := task(ctx)
	if err != nil {
		return err
	}
	if next != nil && !s.install(next) {
		c.logger.Debug("discarding refresh result older than cached entry",
			observability.String("path", s.key),
		)
	}
	return nil
}

// Wait blocks until every launched task has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// waitContext is Wait bounded by ctx.
func (c *Coordinator) waitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
