// Command pulsewatch runs the pull-based health-monitoring service: it
// loads a directory of JSON configuration, schedules periodic probes
// against every configured service, evaluates and tracks their pulse,
// and serves the results over a read API and a WebSocket stream.
//
// # Usage
//
//	pulsewatch --config ./config
//
// # Configuration
//
// The config directory and debug logging can be set via flags or
// environment variables (PULSEWATCH_*).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/northlake-systems/pulsewatch/internal/alert"
	"github.com/northlake-systems/pulsewatch/internal/api"
	"github.com/northlake-systems/pulsewatch/internal/broadcast"
	"github.com/northlake-systems/pulsewatch/internal/cache"
	"github.com/northlake-systems/pulsewatch/internal/config"
	"github.com/northlake-systems/pulsewatch/internal/engine"
	"github.com/northlake-systems/pulsewatch/internal/eventbus"
	"github.com/northlake-systems/pulsewatch/internal/logstore"
	"github.com/northlake-systems/pulsewatch/internal/metrics"
	"github.com/northlake-systems/pulsewatch/internal/probe"
	"github.com/northlake-systems/pulsewatch/internal/pulse"
	"github.com/northlake-systems/pulsewatch/internal/ratelimit"
	"github.com/northlake-systems/pulsewatch/internal/scheduler"
	"github.com/northlake-systems/pulsewatch/internal/secrets"
	"github.com/northlake-systems/pulsewatch/internal/state"
	"github.com/northlake-systems/pulsewatch/pkg/types"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	var (
		configDir = flag.String("config", "./config", "Path to the configuration directory")
		debug     = flag.Bool("debug", false, "Enable debug logging")
		version   = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("pulsewatch v0.1.0")
		os.Exit(0)
	}

	if env := os.Getenv("PULSEWATCH_CONFIG"); env != "" && *configDir == "./config" {
		*configDir = env
	}
	if os.Getenv("PULSEWATCH_DEBUG") == "1" {
		*debug = true
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "services", len(cfg.Services), "dir", *configDir)

	secretsProvider := buildSecretsProvider(logger)
	ctx := context.Background()
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.AuthTokenRef == "" {
			continue
		}
		token, err := secretsProvider.Resolve(ctx, svc.AuthTokenRef)
		if err != nil {
			logger.Error("failed to resolve service auth token", "service", svc.Name, "error", err)
			os.Exit(1)
		}
		svc.AuthToken = token
	}

	bus := eventbus.New(logger)
	strategies := probe.NewRegistry()
	evaluator := pulse.New(cfg.Thresholds)
	probeEngine := engine.New(strategies, evaluator, bus, logger)
	limiter := ratelimit.NewRegistry()

	tierOf := func(name string) types.Tier {
		for _, svc := range cfg.Services {
			if svc.Name == name {
				return svc.Tier
			}
		}
		return types.TierStandard
	}
	stateManager := state.New(bus, evaluatorThresholds{evaluator}, tierOf, logger)
	stateManager.Subscribe(bus)

	logDir := cfg.Monitoring.LogPath
	if logDir == "" {
		logDir = "./logs"
	}
	retention := cfg.Monitoring.HistoryRetention.Duration()
	logStore, err := logstore.New(logDir, retention, logger)
	if err != nil {
		logger.Error("failed to initialize log store", "error", err)
		os.Exit(1)
	}
	subscribeLogStore(bus, logStore)

	rotateStop := make(chan struct{})
	go logstore.RunRotation(logStore, rotateStop)

	var respCache *cache.Cache
	if cfg.Redis.URL != "" {
		respCache, err = cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("redis cache disabled - connection failed", "error", err)
			respCache = nil
		} else {
			logger.Info("redis cache enabled", "url", cfg.Redis.URL)
		}
	} else {
		logger.Info("redis cache disabled - redis.url not configured")
	}

	alertStore := alert.New(bus, respCache, logger)
	alertStore.Subscribe(bus)
	if respCache != nil {
		names := make([]string, 0, len(cfg.Services))
		for _, svc := range cfg.Services {
			names = append(names, svc.Name)
		}
		alertStore.LoadMutes(ctx, names)
	}

	hub := broadcast.NewHub(logger)
	hub.Subscribe(bus)

	metricsCollector := metrics.NewCollector()

	sched := scheduler.New(probeEngine, limiter, bus, logger)
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	for _, svc := range cfg.Services {
		sched.Schedule(rootCtx, svc)
	}
	logger.Info("scheduler started", "services", len(cfg.Services))

	var adminHash []byte
	if cfg.Admin.TokenHash != "" {
		adminHash = []byte(cfg.Admin.TokenHash)
		logger.Info("admin auth enabled")
	} else {
		logger.Info("admin auth disabled - config.json admin.tokenHash not set")
	}

	apiServer := api.New(api.Dependencies{
		State:     stateManager,
		Logs:      logStore,
		Scheduler: sched,
		Alerts:    alertStore,
		Evaluator: evaluator,
		Metrics:   metricsCollector,
		RespCache: respCache,
		ConfigDir: *configDir,
		AdminHash: string(adminHash),
		Services:  cfg.Services,
		ConfigFile: config.ConfigFile{
			Server:     cfg.Server,
			Monitoring: cfg.Monitoring,
			Alerts:     cfg.Alerts,
			Admin:      cfg.Admin,
			Redis:      cfg.Redis,
		},
	}, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	wsPort := cfg.Server.WebsocketPort
	if wsPort == 0 {
		wsPort = port + 1
	}
	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", hub)
	wsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", wsPort),
		Handler:      wsMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	serverErrCh := make(chan error, 2)
	go func() {
		logger.Info("starting read API", "port", port)
		if err := listenAndServeChecked(httpServer); err != nil {
			serverErrCh <- fmt.Errorf("read API: %w", err)
		}
	}()
	go func() {
		logger.Info("starting websocket stream", "port", wsPort)
		if err := listenAndServeChecked(wsServer); err != nil {
			serverErrCh <- fmt.Errorf("websocket stream: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		logger.Error("server error", "error", err)
		cancelRoot()
		os.Exit(1)
	case <-sigCh:
		logger.Info("shutting down")
	}

	close(rotateStop)
	cancelRoot()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("read API shutdown error", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket shutdown error", "error", err)
	}
	if respCache != nil {
		respCache.Close()
	}

	logger.Info("shutdown complete")
}

// listenAndServeChecked starts s and reports only errors that aren't the
// expected ErrServerClosed from a graceful Shutdown call. A port already
// in use surfaces here as a startup failure.
func listenAndServeChecked(s *http.Server) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	err = s.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// buildSecretsProvider wires the optional 1Password backend if its three
// environment variables are all set; otherwise auth token refs are
// resolved via env:/file: only.
func buildSecretsProvider(logger *slog.Logger) *secrets.Provider {
	host := os.Getenv("OP_CONNECT_HOST")
	token := os.Getenv("OP_CONNECT_TOKEN")
	vault := os.Getenv("OP_VAULT_ID")

	if host == "" || token == "" || vault == "" {
		logger.Info("1password secrets backend disabled - OP_CONNECT_HOST/OP_CONNECT_TOKEN/OP_VAULT_ID not all set")
		return secrets.New(nil, logger)
	}

	opw, err := secrets.NewOnePasswordResolver(secrets.OnePasswordConfig{
		Host: host, Token: token, VaultID: vault,
	}, logger)
	if err != nil {
		logger.Warn("1password secrets backend disabled - initialization failed", "error", err)
		return secrets.New(nil, logger)
	}
	logger.Info("1password secrets backend enabled")
	return secrets.New(opw, logger)
}

// evaluatorThresholds adapts *pulse.Evaluator to state.Thresholds.
type evaluatorThresholds struct {
	e *pulse.Evaluator
}

func (t evaluatorThresholds) Thresholds() types.Thresholds { return t.e.Thresholds() }

// subscribeLogStore wires heartbeat and state-machine events onto the log
// store: heartbeats become rows with latency/success, everything else
// becomes a plain timestamped event row.
func subscribeLogStore(bus *eventbus.Bus, store *logstore.Store) {
	appendHeartbeat := func(success bool) func(interface{}) {
		return func(p interface{}) {
			payload, ok := p.(types.HeartbeatOutcomePayload)
			if !ok {
				return
			}
			if err := store.AppendHeartbeat(payload.Service, payload.Timestamp, payload.Check, payload.Pulse.Status, payload.ResponseTime, success); err != nil {
				slog.Default().Error("log store append failed", "service", payload.Service, "error", err)
			}
		}
	}
	bus.Subscribe(types.EventHeartbeatReceived, appendHeartbeat(true))
	bus.Subscribe(types.EventHeartbeatFailed, appendHeartbeat(false))

	bus.Subscribe(types.EventPulseChanged, func(p interface{}) {
		payload, ok := p.(types.PulseChangedPayload)
		if !ok {
			return
		}
		store.AppendEvent(payload.Service, payload.Timestamp, types.EventPulseChanged, payload)
	})
	bus.Subscribe(types.EventFlatlineDetected, func(p interface{}) {
		payload, ok := p.(types.FlatlineDetectedPayload)
		if !ok {
			return
		}
		store.AppendEvent(payload.Service, payload.Timestamp, types.EventFlatlineDetected, payload)
	})
	bus.Subscribe(types.EventServiceRecovered, func(p interface{}) {
		payload, ok := p.(types.ServiceRecoveredPayload)
		if !ok {
			return
		}
		store.AppendEvent(payload.Service, payload.Timestamp, types.EventServiceRecovered, payload)
	})
}
