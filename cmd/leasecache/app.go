package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vyrodovalexey/leasecache/internal/config"
	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/server"
	"github.com/vyrodovalexey/leasecache/internal/vault"
	"github.com/vyrodovalexey/leasecache/internal/vault/auth"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

const metricsNamespace = "leasecache"

// application holds all application components.
type application struct {
	config   *config.Config
	registry *prometheus.Registry
	engine   *vault.Engine
	tracer   *observability.Tracer
	server   *server.Server
	logger   observability.Logger
}

// initApplication wires transport, authenticator, engine and server from cfg.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracer, err := observability.NewTracer(ctx, cfg.TracerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	doer, err := transport.New(cfg.TransportConfig(),
		transport.WithLogger(logger),
		transport.WithMetrics(transport.NewMetrics(metricsNamespace, registry)),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create vault transport: %w", err), tracer.Shutdown(ctx))
	}

	strategy, err := auth.NewStrategy(cfg.AuthConfig())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create auth strategy: %w", err), tracer.Shutdown(ctx))
	}

	metrics := vault.NewMetrics(metricsNamespace, registry)
	authenticator := auth.New(strategy, doer,
		auth.WithLogger(logger),
		auth.WithLoginHook(metrics.RecordLogin),
	)

	engine, err := vault.NewEngine(doer, authenticator,
		vault.WithLogger(logger),
		vault.WithMetrics(metrics),
		vault.WithPolicy(cfg.LeasePolicy()),
		vault.WithDefaultLeaseDuration(cfg.Cache.DefaultLeaseDuration.Duration()),
		vault.WithMaxEntries(cfg.Cache.MaxEntries),
		vault.WithRetry(cfg.RetryConfig()),
		vault.WithTaskTimeout(cfg.Transport.Timeout.Duration()),
		vault.WithRefreshHook(func(path string, kind vault.RefreshKind, err error) {
			if err != nil {
				logger.Debug("background refresh finished with error",
					observability.String("path", path),
					observability.String("kind", string(kind)),
					observability.Error(err),
				)
			}
		}),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create engine: %w", err), tracer.Shutdown(ctx))
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Address = cfg.Server.ListenAddress

	return &application{
		config:   cfg,
		registry: registry,
		engine:   engine,
		tracer:   tracer,
		server:   server.New(srvCfg, engine, server.WithLogger(logger), server.WithGatherer(registry)),
		logger:   logger,
	}, nil
}

// close releases the engine and flushes traces.
func (a *application) close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	return errors.Join(errs...)
}
