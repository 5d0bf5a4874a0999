// Command toolgate is the tool-hosting runtime server: it discovers tool
// manifests, dispatches invocations over HTTP, and exposes the agent
// orchestrator and script sandbox as built-in tools.
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

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kyralabs/toolgate/internal/agent"
	"github.com/kyralabs/toolgate/internal/config"
	"github.com/kyralabs/toolgate/internal/events"
	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/observe"
	"github.com/kyralabs/toolgate/internal/registry"
	"github.com/kyralabs/toolgate/internal/resilience"
	"github.com/kyralabs/toolgate/internal/sandbox"
	"github.com/kyralabs/toolgate/internal/sanitize"
	"github.com/kyralabs/toolgate/internal/server"
	"github.com/kyralabs/toolgate/internal/tools"
	"github.com/kyralabs/toolgate/pkg/provider/llm"
	"github.com/kyralabs/toolgate/pkg/provider/llm/anyllm"
	"github.com/kyralabs/toolgate/pkg/provider/llm/openai"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "toolgate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("toolgate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"tools_dir", cfg.Tools.Dir,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "toolgate",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Database (optional) ───────────────────────────────────────────────────
	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	var pool *pgxpool.Pool
	if dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to open database pool", "err", err)
			return 1
		}
		defer pool.Close()
		slog.Info("database pool ready")
	}

	// ── LLM provider ──────────────────────────────────────────────────────────
	provider, err := buildProvider(cfg.Agent)
	if err != nil {
		slog.Warn("agent provider unavailable, run_agent degrades to an execution error", "err", err)
	} else {
		// Circuit-break the backend so a flapping upstream fails fast
		// instead of stalling every agent turn until the request timeout.
		provider = resilience.NewFailover(provider, resilience.BreakerConfig{})
		slog.Info("provider created", "kind", "llm", "name", provider.Name(), "model", cfg.Agent.Model)
	}

	// ── Tool runtime ──────────────────────────────────────────────────────────
	// The builtins need the loader (via the catalog) while the loader needs
	// the builtin list, so the loopback invoker bridges the two: compound
	// tools reach their peers the same way external clients do.
	invoker := &agent.LoopbackInvoker{BaseURL: cfg.Server.LoopbackBaseURL}

	var orchestrator *agent.Orchestrator
	catalogRef := &catalogHandle{}
	if provider != nil {
		orchestrator = agent.NewOrchestrator(provider, catalogRef, invoker)
	}
	sb := sandbox.New(catalogRef, invoker,
		sandbox.WithMaxToolCalls(cfg.Sandbox.MaxToolCalls),
		sandbox.WithDefaultTimeout(time.Duration(cfg.Sandbox.DefaultTimeoutSeconds*float64(time.Second))),
	)

	builtins := tools.Builtins(tools.Deps{
		Agent:   orchestrator,
		Sandbox: sb,
		DB:      pool,
	})

	loader := registry.NewLoader(registry.LoaderConfig{
		Dir:              cfg.Tools.Dir,
		AutoReload:       cfg.Tools.AutoReload,
		ForceEachRequest: cfg.Tools.ReloadPerRequest,
	}, builtins)
	defer loader.Close()
	catalogRef.reg = loader.Registry()

	if err := loader.Rebuild(ctx); err != nil {
		slog.Error("initial registry build failed", "err", err)
		return 1
	}

	dispatcher := kernel.NewDispatcher(loader, cfg.Tools.ExecuteTimeout())

	hub := events.NewHub()
	dispatcher.OnStart = hub.StartObserver()
	publish := hub.InvocationObserver()
	dispatcher.OnInvocation = func(ctx context.Context, tool, status string, d time.Duration) {
		metrics.RecordInvocation(ctx, tool, status, d)
		publish(ctx, tool, status, d)
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	sanOpts := sanitize.DefaultOptions()
	if cfg.JSON.StringifyBigInts != nil {
		sanOpts.StringifyBigInts = *cfg.JSON.StringifyBigInts
	}
	if cfg.JSON.BigIntThreshold > 0 {
		sanOpts.BigIntThreshold = cfg.JSON.BigIntThreshold
	}

	srv := server.New(server.Options{
		Loader:           loader,
		Dispatcher:       dispatcher,
		EnvFile:          config.NewEnvFile(cfg.EnvFile.Path, cfg.EnvFile.Keys),
		Hub:              hub,
		Metrics:          metrics,
		Sanitize:         sanOpts,
		Logger:           logger,
		ReloadPerRequest: cfg.Tools.ReloadPerRequest,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, loader.Registry().Len(), provider)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// catalogHandle defers the registry reference until the loader exists. The
// compound builtins are constructed before the loader that registers them.
type catalogHandle struct {
	reg *registry.Registry
}

func (c *catalogHandle) Lookup(name string) (*registry.Descriptor, bool) {
	if c.reg == nil {
		return nil, false
	}
	return c.reg.Lookup(name)
}

func (c *catalogHandle) Names() []string {
	if c.reg == nil {
		return nil
	}
	return c.reg.Names()
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProvider selects the chat-completions backend: the native OpenAI
// client for "openai", the any-llm-go backend for everything else.
func buildProvider(cfg config.AgentConfig) (llm.Provider, error) {
	if cfg.Provider == "openai" {
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		p, err := openai.New(key, opts...)
		if err != nil {
			// A nil *openai.Provider must not leak into the llm.Provider
			// interface: the caller's nil check would pass on a typed nil.
			return nil, err
		}
		return p, nil
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	p, err := anyllm.New(cfg.Provider, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, toolCount int, provider llm.Provider) {
	providerLine := "(not configured)"
	if provider != nil {
		providerLine = provider.Name() + " / " + cfg.Agent.Model
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         toolgate — startup            ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Tools dir", cfg.Tools.Dir)
	printRow("Tools", fmt.Sprintf("%d registered", toolCount))
	printRow("Agent LLM", providerLine)
	printRow("Auto reload", fmt.Sprintf("%t", cfg.Tools.AutoReload))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
