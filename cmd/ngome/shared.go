package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/ipc"
	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/llm"
	"github.com/jkaninda/ngome/internal/llm/anthropic"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/output"
	"github.com/jkaninda/ngome/internal/permission"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
	"github.com/jkaninda/ngome/internal/tools/bash"
	"github.com/jkaninda/ngome/internal/tools/builtin"
	mcptools "github.com/jkaninda/ngome/internal/tools/mcp"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds all initialized subsystems that both serve and
// run modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace

	Obs    *observability.Observability // nil = observability disabled.
	Index  *output.Index
	Store  *output.Store
	Jobs   *jobs.Registry
	Broker *permission.Broker
	Perms  permission.Handler

	IPCRegistry *ipc.Registry
	Router      *ipc.Router
	IPCServer   *ipc.Server
	BashTool    *bash.Tool
	ToolReg     *tools.Registry

	SocketPath string

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order. Calling
// it more than once is safe; later calls are no-ops.
func (sc *SharedComponents) Cleanup() {
	cleanups := sc.cleanups
	sc.cleanups = nil
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// initShared performs all common initialization shared between serve and
// run modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics := obs.MetricsOrNil()
	var tracer trace.Tracer
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}

	// Output index + store.
	index, err := output.OpenIndex(ws.IndexDBPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening output index: %w", err)
	}
	sc.Index = index
	sc.addCleanup(func() {
		if err := index.Close(); err != nil {
			logger.Error("closing output index", slog.String("error", err.Error()))
		}
	})
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("index", index.Ping)
		obs.Health.AddCheck("outputs_dir", observability.DirWritable(ws.OutputsDir()))
	}

	store, err := output.NewStore(ws.OutputsDir(), logger,
		output.WithInlineLimit(cfg.Outputs.InlineLimit()),
		output.WithIndex(index),
		output.WithMetrics(metrics),
	)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing output store: %w", err)
	}
	sc.Store = store

	// Job registry.
	jobOpts := []jobs.Option{jobs.WithMetrics(metrics)}
	if cfg.Sandbox.KillSignal == "SIGTERM" {
		jobOpts = append(jobOpts, jobs.WithKillSignal(syscall.SIGTERM))
	}
	sc.Jobs = jobs.New(logger, jobOpts...)

	// Permission policy. The broker backs interactive approvals; the
	// configured policy decides whether it is consulted at all.
	broker := permission.NewBroker(cfg.Permission.ApprovalTTL(), logger)
	sc.Broker = broker
	var policyOpts []permission.StatefulOption
	if cfg.Sandbox.NetworkAllowed {
		policyOpts = append(policyOpts, permission.WithNetworkApproved())
	}
	sc.Perms = permission.FromPolicy(cfg.Permission.EffectivePolicy(), broker, metrics, policyOpts...)

	// Sandbox.
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		Shell:          cfg.Sandbox.ShellPath(),
		DefaultTimeout: cfg.Sandbox.DefaultTimeout(),
		MaxOutputBytes: cfg.Sandbox.OutputCap(),
	}, logger)
	logger.Debug("sandbox initialized", slog.String("shell", cfg.Sandbox.ShellPath()))

	// IPC command surface.
	registry := ipc.NewRegistry(logger, ipc.WithOutputStore(store))
	router := ipc.NewRouter(registry, metrics).WithTracer(tracer)
	sc.IPCRegistry = registry
	sc.Router = router

	builtin.RegisterAll(registry, router, sc.Jobs, newLLMProvider(logger))

	// MCP tool servers become IPC commands alongside the builtins.
	if len(cfg.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, mcpCfg := range cfg.MCP {
			mcpToolList, mcpErr := bridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range mcpToolList {
				registry.ConfigureTool(t)
				router.Register(t.Name())
			}
		}
		mcpCancel()
		sc.addCleanup(bridge.Close)
	}
	logger.Debug("ipc commands registered", slog.Any("commands", router.Names()))

	// Wrapper scripts expose the IPC commands to sandboxed scripts.
	sc.SocketPath = filepath.Join(ws.Root, "ngome.sock")
	wrapperDir := filepath.Join(ws.Root, "bin")
	clientBin, err := os.Executable()
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving executable path: %w", err)
	}
	if err := ipc.WriteWrapperScripts(wrapperDir, clientBin, sc.SocketPath, router.Names()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("writing wrapper scripts: %w", err)
	}

	sc.IPCServer = ipc.NewServer(router, logger)

	// Session working directory for this process lifetime.
	sessionDir, err := ws.NewSessionDir()
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	// Bash tool.
	sc.BashTool = bash.New(sbx, sc.Jobs, store, sc.Perms, metrics, logger, bash.Options{
		DefaultTimeout: cfg.Sandbox.DefaultTimeout(),
		MaxTimeout:     cfg.Sandbox.MaxTimeout(),
		WorkDir:        sessionDir,
		PathDirs:       []string{wrapperDir},
		Env: map[string]string{
			"NGOME_IPC_SOCKET": sc.SocketPath,
		},
		Tracer: tracer,
	})

	// Tool registry (the LLM-facing surface).
	toolReg := tools.NewRegistry()
	toolReg.Register(sc.BashTool)
	sc.ToolReg = toolReg

	return sc, nil
}

// StartIPC binds the IPC socket and serves requests until ctx is
// canceled.
func (sc *SharedComponents) StartIPC(ctx context.Context) error {
	if err := sc.IPCServer.ListenUnix(sc.SocketPath); err != nil {
		return fmt.Errorf("binding ipc socket: %w", err)
	}
	sc.addCleanup(func() {
		if err := sc.IPCServer.Close(); err != nil {
			sc.Logger.Error("closing ipc server", slog.String("error", err.Error()))
		}
	})

	go func() {
		if err := sc.IPCServer.Serve(ctx); err != nil {
			sc.Logger.Error("ipc server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// initWorkspace creates and returns the workspace, resolving the root
// from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// newLLMProvider builds the Anthropic provider for the ask command, or
// nil when no API key is configured (ask is then not registered).
func newLLMProvider(logger *slog.Logger) llm.Provider {
	apiKey := os.Getenv("NGOME_ANTHROPIC_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	model := goutils.Env("NGOME_ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
	return anthropic.NewClient(apiKey, model, logger)
}
