// Command memoryd is the coding-agent memory and knowledge service's entry
// point. It loads configuration, wires every subsystem via internal/app, and
// exposes the resulting MCP tool surface over stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentctx/memoryd/internal/app"
	"github.com/agentctx/memoryd/internal/config"
	"github.com/agentctx/memoryd/internal/health"
	"github.com/agentctx/memoryd/internal/observe"
)

const serviceVersion = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memoryd: config file %q not found — pass -config with the path to a YAML config file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memoryd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("memoryd starting",
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"transport", cfg.MCP.Transport,
	)

	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "memoryd",
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, reg, *configPath)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	server, err := application.NewMCPServer("memoryd", serviceVersion)
	if err != nil {
		slog.Error("failed to build MCP server", "err", err)
		return 1
	}

	var healthSrv *http.Server
	if cfg.Server.HealthAddr != "" {
		healthSrv = startHealthServer(cfg.Server.HealthAddr, application.HealthCheckers(), application.Metrics())
		defer healthSrv.Close()
	}

	printStartupSummary(cfg, len(application.Tools))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- serve(ctx, cfg, server)
	}()

	slog.Info("memoryd ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("mcp server error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// serve runs the MCP server over the transport configured in cfg.MCP.
// Stdio is the transport memoryd is grounded on; HTTP is accepted by config
// validation but not yet wired here (see DESIGN.md).
func serve(ctx context.Context, cfg *config.Config, server *mcp.Server) error {
	switch cfg.MCP.Transport {
	case config.TransportHTTP:
		return fmt.Errorf("mcp transport %q: http serving is not implemented yet, use \"stdio\"", cfg.MCP.Transport)
	default:
		return server.Run(ctx, &mcp.StdioTransport{})
	}
}

// startHealthServer launches the /healthz and /readyz endpoints in the
// background, wrapped in observe.Middleware so health-check traffic gets the
// same tracing/metrics/logging treatment as every MCP tool call. A listen
// failure is logged, not fatal: the MCP tool surface is memoryd's primary
// interface, and an operator who cares about health checks will notice the
// port never comes up.
func startHealthServer(addr string, checkers []health.Checker, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	srv := &http.Server{Addr: addr, Handler: observe.Middleware(metrics)(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "err", err)
		}
	}()
	return srv
}

func printStartupSummary(cfg *config.Config, toolCount int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          memoryd — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("LLM provider", providerSummary(cfg.Providers.LLM.Name, cfg.Providers.LLM.Model))
	printField("Embeddings", providerSummary(cfg.Providers.Embedding.Name, cfg.Providers.Embedding.Model))
	printField("Graph endpoint", boolSummary(cfg.Storage.GraphEndpoint != ""))
	printField("Vector search", boolSummary(cfg.Storage.EnableVectorSearch))
	printField("Transport", string(cfg.MCP.Transport))
	fmt.Printf("║  Tools registered : %-18d ║\n", toolCount)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerSummary(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func boolSummary(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-16s : %-19s ║\n", label, value)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
