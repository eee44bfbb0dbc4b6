package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/ws_channels/internal/cleanup"
	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/ingest"
	"github.com/adred-codev/ws_channels/internal/pubsub"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/server"
	"github.com/adred-codev/ws_channels/internal/shared/limits"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/adred-codev/ws_channels/internal/shared/platform"
	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Create basic logger for startup
	startup := log.New(os.Stdout, "[WS] ", log.LstdFlags)

	// automaxprocs rounds down to an integer (1.5 cores -> GOMAXPROCS=1)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = types.LogLevelDebug
		startup.Printf("Debug mode enabled via flag")
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

// app holds every long-lived component so shutdown can run in order.
type app struct {
	system     *monitoring.SystemMonitor
	manager    *hub.Manager
	bus        pubsub.Bus
	bridge     *pubsub.Bridge
	cleanup    *cleanup.Manager
	ingest     *ingest.Consumer
	connLimit  *limits.ConnectionRateLimiter
	httpServer *server.Server
	logger     zerolog.Logger
}

func run(cfg *platform.Config, logger zerolog.Logger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Components outlive the signal context; shutdown stops them explicitly.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	a := &app{logger: logger}
	err := a.start(runCtx, cfg)
	if err == nil {
		logger.Info().Str("addr", a.httpServer.Addr()).Msg("Real-time server started")
		<-sigCtx.Done()
		logger.Info().Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, a.shutdown(ctx))
}

func (a *app) start(ctx context.Context, cfg *platform.Config) error {
	logger := a.logger

	a.system = monitoring.NewSystemMonitor(
		platform.NewCPUMonitor(logger),
		platform.NewMemoryMonitor(cfg.MemoryLimit, logger),
		logger,
	)
	a.system.Start(cfg.MetricsInterval)

	router, err := routing.NewRouter(routerConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to build channel router: %w", err)
	}
	balancer := routing.NewBalancer(router, logger)
	a.manager = hub.NewManager(hub.Config{HeartbeatInterval: cfg.HeartbeatInterval}, router, balancer, logger)

	a.bus, err = pubsub.Open(ctx, pubsub.Options{
		Driver:     cfg.PubSubDriver,
		InstanceID: cfg.InstanceID,
		NATSURL:    cfg.NATSURL,
		Redis: pubsub.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open pub/sub bus: %w", err)
	}
	if a.bus != nil {
		a.bridge, err = pubsub.NewBridge(a.bus, pubsub.Config{
			Channel:    cfg.PubSubChannel,
			InstanceID: cfg.InstanceID,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create pub/sub bridge: %w", err)
		}
		if err := a.bridge.Start(ctx, a.manager); err != nil {
			return fmt.Errorf("failed to start pub/sub bridge: %w", err)
		}
		a.manager.SetPublisher(a.bridge)
	} else {
		logger.Warn().Msg("Pub/sub disabled: fan-outs stay within this process")
	}

	a.cleanup = cleanup.NewManager(cleanup.Config{
		Enabled:             cfg.CleanupEnabled,
		ConnectionTimeout:   cfg.ConnectionTimeout,
		ChannelTimeout:      cfg.ChannelTimeout,
		BufferTimeout:       cfg.BufferTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		MaxConnections:      cfg.MaxConnections,
		MaxChannels:         cfg.MaxChannels,
	}, a.manager, router, a.system, nil, logger)
	a.cleanup.OnEmergency(emergencyAlert(newAlerter(cfg, logger), cfg.InstanceID))
	a.cleanup.Start(ctx)

	if cfg.IngestEnabled() {
		guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
			MaxMessagesPerSec: cfg.IngestMaxRate,
			CPUPauseThreshold: cfg.CPUPauseThreshold,
		}, a.system, logger)

		a.ingest, err = ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.ConsumerGroup,
			Topics:        cfg.IngestTopics,
			Workers:       cfg.IngestWorkers,
			Sink:          a.manager,
			Guard:         guard,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create ingest consumer: %w", err)
		}
		if err := a.ingest.Start(ctx); err != nil {
			return fmt.Errorf("failed to start ingest consumer: %w", err)
		}
	} else {
		logger.Info().Msg("Kafka ingest disabled (KAFKA_BROKERS not set)")
	}

	if cfg.ConnRateLimitEnabled {
		a.connLimit = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPRate,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalRate,
			Logger:      logger,
		})
	}

	a.httpServer, err = server.New(server.Config{
		Addr:               cfg.Addr,
		SendBuffer:         cfg.SendBuffer,
		WriteTimeout:       cfg.WriteTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		ClientMessageRate:  cfg.ClientMessageRate,
		ClientMessageBurst: cfg.ClientMessageBurst,
		IdleTimeout:        cfg.ConnectionTimeout,
	}, server.Deps{
		Manager:     a.manager,
		Auth:        server.NewAuthenticator(cfg.AuthMode, cfg.JWTSecret),
		RateLimiter: a.connLimit,
		Cleanup:     a.cleanup,
		Bridge:      a.bridge,
		Ingest:      a.ingest,
		System:      a.system,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return a.httpServer.Start()
}

// shutdown stops whatever was started: HTTP accept, ingest, cleanup loops,
// the manager, the bridge, the bus and finally the system monitor.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.ingest != nil {
		if err := a.ingest.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("ingest stop: %w", err))
		}
	}
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manager shutdown: %w", err))
		}
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus close: %w", err))
		}
	}
	if a.connLimit != nil {
		a.connLimit.Stop()
	}
	if a.system != nil {
		a.system.Shutdown()
	}

	a.logger.Info().Int("errors", len(errs)).Msg("Shutdown complete")
	return errors.Join(errs...)
}

func routerConfig(cfg *platform.Config) routing.RouterConfig {
	rc := routing.DefaultRouterConfig()
	rc.Groups = []routing.ChannelGroup{
		{Type: routing.ChannelGeneral, Count: cfg.ChannelsGeneral, Capacity: cfg.CapacityGeneral, Priority: 1},
		{Type: routing.ChannelUsers, Count: cfg.ChannelsUsers, Capacity: cfg.CapacityUsers, Priority: 5},
		{Type: routing.ChannelPriority, Count: cfg.ChannelsPriority, Capacity: cfg.CapacityPriority, Priority: 7},
		{Type: routing.ChannelAdmin, Count: cfg.ChannelsAdmin, Capacity: cfg.CapacityAdmin, Priority: 10},
	}
	rc.AdminRoles = cfg.AdminRoles
	rc.ElevatedRoles = cfg.ElevatedRoles
	rc.Replicas = cfg.HashReplicas
	return rc
}

func newAlerter(cfg *platform.Config, logger zerolog.Logger) monitoring.Alerter {
	alerters := []monitoring.Alerter{monitoring.NewLogAlerter(logger)}
	if cfg.AlertWebhookURL != "" {
		alerters = append(alerters, monitoring.NewSlackAlerter(cfg.AlertWebhookURL, cfg.AlertChannel, "ws-channels", logger))
	}
	return monitoring.NewMultiAlerter(alerters...)
}

func emergencyAlert(alerter monitoring.Alerter, instanceID string) cleanup.EmergencyFunc {
	return func(report cleanup.EmergencyReport) {
		alerter.Alert(monitoring.CRITICAL, "Emergency cleanup triggered", map[string]any{
			"instance_id":         instanceID,
			"reason":              report.Reason,
			"connections_removed": report.ConnectionsRemoved,
			"channels_removed":    report.ChannelsRemoved,
			"buffers_cleared":     report.BuffersCleared,
			"memory_reclaimed":    report.MemoryReclaimed,
		})
	}
}
