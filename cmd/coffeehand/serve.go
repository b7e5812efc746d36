package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/armstate"
	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/engine"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/metrics"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
	"github.com/tdtai09423/TheCoffeeHandSystem/simulate"
	"github.com/tdtai09423/TheCoffeeHandSystem/store"
	"github.com/tdtai09423/TheCoffeeHandSystem/www"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var sim bool
	var simDelay time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(sim, simDelay)
		},
	}
	cmd.Flags().BoolVar(&sim, "simulate", false, "run on an in-memory bus with simulated arm and machines")
	cmd.Flags().DurationVar(&simDelay, "sim-delay", 500*time.Millisecond, "simulated arm travel and machine run time")
	return cmd
}

func (c *cli) serve(sim bool, simDelay time.Duration) error {
	cfg, logger := c.cfg, c.logger
	logger.Info("starting coffeehand",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("station", cfg.Messaging.StationID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.SeedMachines(protocol.Machines()); err != nil {
		return fmt.Errorf("seed machine catalog: %w", err)
	}
	logger.Info("database open", zap.String("driver", cfg.Database.Driver))

	// Redis state cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	stateStore := armstate.NewRedisStore(redisClient, cfg.Messaging.StationID)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := stateStore.Ping(pingCtx); err != nil {
		logger.Warn("redis not available, keeping arm state in memory", zap.String("addr", cfg.Redis.Address), zap.Error(err))
		stateStore = nil
	} else {
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Address))
	}
	cancel()
	armState := armstate.NewManager(stateStore, logger.Named("armstate"))

	// Messaging
	msgClient, err := c.messagingClient(ctx, sim, simDelay)
	if err != nil {
		return err
	}
	defer msgClient.Close()

	collector := metrics.NewCollector()

	// Engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: c.configPath,
		DB:         db,
		MsgClient:  msgClient,
		ArmState:   armState,
		Metrics:    collector,
		Logger:     logger.Named("engine"),
	})
	eng.Start()

	// Outbox drainer (order-status notifications)
	drainer := messaging.NewOutboxDrainer(db, msgClient, cfg.Messaging.OutboxDrainInterval, logger.Named("outbox"))
	drainer.Start()

	// Web server
	handler, stopWeb := www.NewRouter(eng, logger.Named("www"))
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("web server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	logger.Info("coffeehand ready")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-srvErr:
		logger.Error("web server failed", zap.Error(err))
	}

	stopWeb()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("web server shutdown", zap.Error(err))
	}
	eng.Stop()
	drainer.Stop()
	// flush notifications queued by the order that was cancelled
	drainer.Drain(shutdownCtx)

	logger.Info("coffeehand shut down complete")
	return nil
}

// messagingClient connects the configured bus. With sim set it instead
// runs an in-memory bus with simulated controllers attached.
func (c *cli) messagingClient(ctx context.Context, sim bool, simDelay time.Duration) (*messaging.Client, error) {
	cfg, logger := c.cfg, c.logger
	if sim {
		cfg.Messaging.Backend = config.BackendMemory
		bus := messaging.NewMemoryBus()
		topics := cfg.Messaging.Topics
		go simulate.NewArm(bus, topics, simDelay, logger.Named("sim-arm")).Run(ctx)
		if err := simulate.NewMachines(bus, topics, simDelay, logger.Named("sim-machines")).Start(ctx); err != nil {
			return nil, fmt.Errorf("start simulated machines: %w", err)
		}
		logger.Info("simulation mode: in-memory bus with simulated arm and machines", zap.Duration("delay", simDelay))
		return messaging.NewClientWithBus(&cfg.Messaging, bus, logger.Named("messaging")), nil
	}

	client := messaging.NewClient(&cfg.Messaging, logger.Named("messaging"))
	if err := client.Connect(ctx); err != nil {
		// intake and the drainer keep retrying through the client
		logger.Error("messaging connect failed", zap.String("backend", cfg.Messaging.Backend), zap.Error(err))
	} else {
		logger.Info("messaging connected", zap.String("backend", cfg.Messaging.Backend))
	}
	return client, nil
}
