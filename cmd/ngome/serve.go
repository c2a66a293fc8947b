package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gateway/httpapi"
	"github.com/jkaninda/ngome/internal/gateway/ws"
	"github.com/jkaninda/ngome/internal/janitor"
	"github.com/jkaninda/ngome/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start in serve mode (IPC socket, HTTP API, WebSocket approver, janitor)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngome --config path` and `ngome serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Ngome in serve mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{}
		}
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateway.HTTP.ListenAddr = servePort
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// IPC socket for wrapper commands.
	if err := sc.StartIPC(ctx); err != nil {
		return err
	}
	logger.Info("ipc socket listening", slog.String("path", sc.SocketPath))

	// Expire stale approvals continuously.
	cancelCleanup := sc.Broker.StartCleanup(ctx, 1*time.Minute)
	defer cancelCleanup()

	// Retention sweeps.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		jan, err := janitor.New(cfg.Janitor, cfg.Outputs.Retention(), sc.Store, sc.Index, logger)
		if err != nil {
			return err
		}
		jan.WithBroker(sc.Broker).WithWorkspace(sc.Workspace)
		cancelJanitor := jan.Start(ctx)
		defer cancelJanitor()
	}

	// WebSocket approver endpoint (optional).
	var wsServer *ws.Server
	if cfg.Gateway != nil && cfg.Gateway.WebSocket != nil && cfg.Gateway.WebSocket.Enabled {
		wsServer = ws.NewServer(sc.Broker, cfg.Gateway.WebSocket, logger)
		logger.Debug("websocket approver initialized",
			slog.String("path", cfg.Gateway.WebSocket.WSPath()),
		)
	}

	// HTTP API gateway.
	if cfg.Gateway == nil || cfg.Gateway.HTTP == nil || !cfg.Gateway.HTTP.Enabled {
		logger.Info("http gateway disabled, serving ipc only")
		<-ctx.Done()
		return nil
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.HTTP.Addr(),
		EnableDocs: cfg.Gateway.HTTP.EnableDocs,
	}
	if cfg.Gateway.HTTP.APIKey != "" {
		gwCfg.APIKeys = map[string]string{cfg.Gateway.HTTP.APIKey: "operator"}
	}
	if cfg.Gateway.HTTP.RateLimitPerMinute > 0 {
		gwCfg.Limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.HTTP.RateLimitPerMinute,
		})
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.Metrics = sc.Obs.Metrics
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}

	gateway := httpapi.NewGateway(gwCfg, sc.Store, sc.Index, sc.Jobs, sc.Broker, logger)
	if wsServer != nil {
		gateway.WithHandler(cfg.Gateway.WebSocket.WSPath(), wsServer.Handler())
	}

	// Shut the gateway down when the context is canceled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gateway.Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", slog.String("error", err.Error()))
		}
	}()

	return gateway.Start(ctx)
}
