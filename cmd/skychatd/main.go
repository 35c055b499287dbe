// Package main is the CLI entrypoint for skychatd. It provides subcommands
// for running the Group Ledger server (serve) and printing version
// information (version). The serve command loads configuration, starts the
// HTTP transport server and the inactivity reaper, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skychat/skychatd/internal/config"
	"github.com/skychat/skychatd/internal/ledger"
	"github.com/skychat/skychatd/internal/transport"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("skychatd — SkyChat Group Ledger server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  skychatd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the skychatd server")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  skychatd.toml (or set SKYCHAT_CONFIG_PATH)")
	fmt.Println("  Env prefix:   SKYCHAT_ (e.g. SKYCHAT_HTTP_LISTEN)")
}

// runServe starts the skychatd server: loads config, constructs the Group
// Ledger and its inactivity reaper, starts the HTTP transport server, and
// handles graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting skychatd",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gl := ledger.New()

	reapInterval, err := cfg.Ledger.ReapIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing ledger.reap_interval: %w", err)
	}
	reapThreshold, err := cfg.Ledger.ReapThresholdParsed()
	if err != nil {
		return fmt.Errorf("parsing ledger.reap_threshold: %w", err)
	}

	reaper := ledger.NewReaper(gl, reapInterval, reapThreshold, logger)
	reaper.Start(ctx)
	defer reaper.Stop()

	srv := transport.NewServer(gl, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: srv.Router(cfg.HTTP.CORSOrigins),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP transport listening", slog.String("addr", cfg.HTTP.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("skychatd stopped")
	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("skychatd %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from SKYCHAT_CONFIG_PATH env var
// or the default "skychatd.toml".
func configPath() string {
	if p := os.Getenv("SKYCHAT_CONFIG_PATH"); p != "" {
		return p
	}
	return "skychatd.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
