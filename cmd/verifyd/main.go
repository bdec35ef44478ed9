// Verifyd is the task verification daemon: it runs skill chains over
// agent work, gates completion claims, and appends an auditable event
// trail to its ledger.
//
// Configuration is loaded from an optional YAML file and VERIFYD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	verifyd
//
//	# Start with a config file
//	verifyd -config /etc/verifyd/verifyd.yaml
//
//	# Configure via environment
//	VERIFYD_SERVER_PORT=9480 VERIFYD_LEDGER_PATH=/var/lib/verifyd/ledger.db verifyd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/chain"
	"github.com/fyrsmithlabs/verifyd/internal/config"
	"github.com/fyrsmithlabs/verifyd/internal/gate"
	"github.com/fyrsmithlabs/verifyd/internal/ledger"
	"github.com/fyrsmithlabs/verifyd/internal/logging"
	"github.com/fyrsmithlabs/verifyd/internal/skill"
	"github.com/fyrsmithlabs/verifyd/internal/skills"
	"github.com/fyrsmithlabs/verifyd/internal/task"
	"github.com/fyrsmithlabs/verifyd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  verifyd            Start the verification daemon\n")
			fmt.Fprintf(os.Stderr, "  verifyd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "verifyd: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("verifyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until the context is cancelled:
//  1. Loads and validates configuration
//  2. Initializes the logger and tracing
//  3. Opens the event ledger and optional NATS mirror
//  4. Registers the built-in skills
//  5. Builds the executor, chain runner, and stage gate
//  6. Serves the operational HTTP surface
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info(ctx, "starting verifyd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ledger_path", cfg.Ledger.Path),
	)

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	deps, err := initDependencies(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	registry := skill.NewRegistry()
	if err := skills.RegisterDefaults(registry, cfg.Skills, deps.searcher()); err != nil {
		return fmt.Errorf("register skills: %w", err)
	}
	log.Info(ctx, "skills registered", zap.Int("count", len(registry.List())))

	executor := skill.NewExecutor(registry, deps.emitter, log)
	chains := chain.NewRunner(executor, deps.emitter, log)

	var gateOpts []gate.Option
	if len(cfg.Verification.TestCommand) > 0 {
		gateOpts = append(gateOpts, gate.WithTestRunner(&gate.CommandTestRunner{
			Command: cfg.Verification.TestCommand,
			Timeout: cfg.Verification.TestTimeout.Duration(),
			WorkDir: cfg.Verification.WorkDir,
		}))
	}
	stageGate := gate.New(chains, deps.emitter, log, gateOpts...)

	return serve(ctx, cfg, log, registry, chains, stageGate, deps)
}

// dependencies holds the daemon's infrastructure handles.
type dependencies struct {
	store   *ledger.SQLiteLedger
	mirror  *ledger.Mirror
	emitter *ledger.Emitter
}

// searcher returns the read-only ledger view for searching skills; nil
// when persistence is disabled.
func (d *dependencies) searcher() ledger.Searcher {
	if d.store == nil {
		return nil
	}
	return d.store
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.mirror != nil {
		d.mirror.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// initDependencies opens the SQLite ledger, connects the optional NATS
// mirror, and builds the event emitter over them.
func initDependencies(cfg *config.Config, log *logging.Logger) (*dependencies, error) {
	deps := &dependencies{}

	if cfg.Ledger.Path != "" {
		store, err := ledger.OpenSQLite(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger at %s: %w", cfg.Ledger.Path, err)
		}
		deps.store = store
	}

	var emitterOpts []ledger.EmitterOption
	if cfg.Ledger.NATS.Enabled {
		mirror, err := ledger.NewMirror(cfg.Ledger.NATS.URL, cfg.Ledger.NATS.SubjectPrefix)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connect NATS mirror at %s: %w", cfg.Ledger.NATS.URL, err)
		}
		deps.mirror = mirror
		emitterOpts = append(emitterOpts, ledger.WithMirror(mirror))
	}

	var store ledger.Ledger
	if deps.store != nil {
		store = deps.store
	}
	deps.emitter = ledger.NewEmitter(store, log, emitterOpts...)
	return deps, nil
}

// serve runs the operational HTTP surface until the context is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logging.Logger, registry *skill.Registry, chains *chain.Runner, stageGate *gate.Gate, deps *dependencies) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":         "ok",
			"version":        version,
			"dropped_events": deps.emitter.Dropped(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/v1/skills", func(c echo.Context) error {
		return c.JSON(http.StatusOK, registry.List())
	})
	e.POST("/v1/chains/:phase", func(c echo.Context) error {
		return runChain(c, chains)
	})
	e.POST("/v1/verify", func(c echo.Context) error {
		return runVerify(c, stageGate)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(cfg.Server.Addr())
	}()
	log.Info(ctx, "http server listening", zap.String("addr", cfg.Server.Addr()))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info(context.Background(), "shutdown complete")
	return nil
}

// chainRequest invokes one domain chain on demand.
type chainRequest struct {
	TaskID      string   `json:"task_id"`
	Domain      string   `json:"domain"`
	Query       string   `json:"query"`
	TargetPaths []string `json:"target_paths,omitempty"`
}

func runChain(c echo.Context, chains *chain.Runner) error {
	phase := chain.Phase(c.Param("phase"))
	if phase != chain.PhasePreflight && phase != chain.PhasePostflight {
		return echo.NewHTTPError(http.StatusNotFound, "unknown chain phase")
	}

	var req chainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	domain, err := task.ParseDomain(req.Domain)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := chains.Run(c.Request().Context(), phase, domain, req.TaskID, chain.Input{
		Query:       req.Query,
		TargetPaths: req.TargetPaths,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// verifyRequest asks the stage gate to judge a completion claim.
type verifyRequest struct {
	Task  task.Task  `json:"task"`
	Claim task.Claim `json:"claim"`
}

func runVerify(c echo.Context, stageGate *gate.Gate) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Task.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := stageGate.Verify(c.Request().Context(), req.Task, req.Claim)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
