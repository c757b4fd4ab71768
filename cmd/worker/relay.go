package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loid345/eventrelay/internal/config"
	"github.com/loid345/eventrelay/internal/db"
	"github.com/loid345/eventrelay/internal/eventbus"
	"github.com/loid345/eventrelay/internal/handlers"
	"github.com/loid345/eventrelay/internal/logger"
	"github.com/loid345/eventrelay/internal/metrics"
	"github.com/loid345/eventrelay/internal/outbox"
	"github.com/loid345/eventrelay/internal/transport"
)

var relayTransport string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay (kafka | webhook | bus)",
	RunE:  runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayTransport, "transport", "kafka", "delivery transport: kafka, webhook or bus")
}

func runRelay(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	defer func() { _ = logger.Log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL) and outbox store
	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	store := outbox.NewMySQLStore(dbx, clockwork.NewRealClock())

	// 3) graceful shutdown context, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4) transport
	var tr transport.Transport
	switch strings.ToLower(relayTransport) {
	case "kafka":
		kt := transport.NewKafkaTransport(transport.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		defer func() { _ = kt.Close() }()
		tr = kt

	case "webhook":
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook transport selected but webhook.url is empty")
		}
		tr = transport.NewWebhookTransport(transport.WebhookConfig{
			Name:          cfg.Webhook.Name,
			URL:           cfg.Webhook.URL,
			TimeoutMs:     cfg.Webhook.TimeoutMs,
			FailThreshold: cfg.Webhook.FailThreshold,
			OpenForMs:     cfg.Webhook.OpenForMs,
		})

	case "bus":
		bus, err := startBusDispatcher(ctx, cfg)
		if err != nil {
			return err
		}
		tr = transport.NewBusTransport(bus)

	default:
		return fmt.Errorf("unknown transport %q (want kafka, webhook or bus)", relayTransport)
	}

	// 5) relay
	relay := outbox.NewRelay(store, tr, outbox.RelayConfig{
		BatchSize:    cfg.Relay.BatchSize,
		PollInterval: cfg.Relay.PollInterval,
		MaxAttempts:  cfg.Relay.MaxAttempts,
		BackoffBase:  cfg.Relay.BackoffBase,
		BackoffMax:   cfg.Relay.BackoffMax,
		LeaseTimeout: cfg.Relay.LeaseTimeout,
	}, clockwork.NewRealClock(), logger.Log)

	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	logger.Log.Info("relay started",
		zap.String("worker_id", relay.WorkerID()),
		zap.String("transport", relayTransport),
	)

	<-ctx.Done()
	return relay.Stop()
}

// startBusDispatcher wires the in-process bus with the side-effect handlers
// (cache invalidation, audit log, search index) and runs a dispatcher over it.
func startBusDispatcher(ctx context.Context, cfg config.Config) (*eventbus.Bus, error) {
	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.ClickHouse.DSN,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}

	hs := []eventbus.Handler{
		handlers.NewCacheInvalidator(rdb, cfg.Handlers.CacheKeyPrefix, logger.Log),
		handlers.NewAuditLogger(chDB, cfg.Handlers.AuditTable, logger.Log),
	}
	if strings.TrimSpace(cfg.Handlers.SearchBaseURL) != "" {
		hs = append(hs, handlers.NewSearchIndexer(cfg.Handlers.SearchBaseURL, cfg.Handlers.SearchTimeout, logger.Log))
	}

	bus := eventbus.NewBus(eventbus.BusOptions{
		MaxQueueDepth:   cfg.Bus.MaxQueueDepth,
		SubscriberDepth: cfg.Bus.SubscriberDepth,
	})
	disp := eventbus.NewDispatcher(bus, hs, eventbus.DispatcherConfig{
		FailFast:      cfg.Bus.FailFast,
		MaxConcurrent: cfg.Bus.MaxConcurrent,
		RetryCount:    cfg.Bus.RetryCount,
		RetryDelay:    cfg.Bus.RetryDelay,
	}, logger.Log)

	go func() {
		disp.Run(ctx)
		_ = rdb.Close()
		_ = chDB.Close()
	}()

	return bus, nil
}
