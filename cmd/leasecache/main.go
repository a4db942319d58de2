// Package main is the entry point for leasecache.
//
// Usage:
//
//	leasecache [flags] serve
//	leasecache [flags] read <path> [field]
//	leasecache [flags] kv <name> <key> [version]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vyrodovalexey/leasecache/internal/config"
	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/vault"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// errUsage is returned for malformed command lines.
var errUsage = errors.New("usage: leasecache [flags] serve | read <path> [field] | kv <name> <key> [version]")

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
	args        []string
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("leasecache", flag.ContinueOnError)
	configPath := fs.String("config", getEnvOrDefault("LEASECACHE_CONFIG", ""),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("LEASECACHE_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the config file")
	logFormat := fs.String("log-format", getEnvOrDefault("LEASECACHE_LOG_FORMAT", ""),
		"Log format (json, console); overrides the config file")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
		args:        fs.Args(),
	}, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "leasecache version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// run loads configuration, builds the application and executes the command.
func run(ctx context.Context, flags cliFlags, out io.Writer) error {
	command := "serve"
	if len(flags.args) > 0 {
		command = flags.args[0]
	}
	switch command {
	case "serve", "read", "kv":
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(cfg.LogConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting leasecache",
		observability.String("version", version),
		observability.String("command", command),
		observability.String("config", cfg.String()),
	)

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := app.close(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", observability.Error(err))
		}
	}()

	switch command {
	case "read":
		return runRead(ctx, app, flags.args[1:], out)
	case "kv":
		return runKV(ctx, app, flags.args[1:], out)
	default:
		return runServe(ctx, app)
	}
}

// runRead prints one field of a raw secret path.
func runRead(ctx context.Context, app *application, args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	field := "data"
	if len(args) == 2 {
		field = args[1]
	}
	value, found, err := app.engine.ReadValue(ctx, args[0], field)
	return printValue(out, args[0], value, found, err)
}

// runKV prints one key of a KV secret.
func runKV(ctx context.Context, app *application, args []string, out io.Writer) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	req := vault.KVRequest{Name: args[0], Key: args[1]}
	if len(args) == 3 {
		v, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[2], errUsage)
		}
		req.Version = v
	}
	value, found, err := app.engine.ReadKV(ctx, req)
	return printValue(out, args[0], value, found, err)
}

func printValue(out io.Writer, path, value string, found bool, err error) error {
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: no value", path)
	}
	_, err = fmt.Fprintln(out, value)
	return err
}

// runServe serves HTTP until ctx is cancelled, then shuts the server down.
func runServe(ctx context.Context, app *application) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.logger.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(app.config))
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Server.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return config.DefaultShutdownTimeout
}
