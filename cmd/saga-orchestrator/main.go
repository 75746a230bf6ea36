// cmd/saga-orchestrator/main.go
package main

import (
	"context"
	"os"
	"time"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ordersaga/internal/pkg/bootstrap"
	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/pkg/workerpool"
	"ordersaga/internal/service/order/application"
	"ordersaga/internal/service/order/application/saga"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
	"ordersaga/internal/service/order/infrastructure/adapter"
	"ordersaga/internal/service/order/interfaces"
	"ordersaga/internal/service/order/port"
	"ordersaga/internal/zookeeper"
)

const (
	serviceName  = "saga-orchestrator"
	sweepLockKey = "order-saga-outbox-relay"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.Init(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	if err := run(cfg); err != nil {
		zlog.Fatal().Err(err).Msg("saga orchestrator stopped")
	}
}

func run(cfg *bootstrap.Config) error {
	ctx := context.Background()
	brokers := cfg.Infra.Kafka.Brokers
	var shutdown []func(context.Context) error

	// --- 存储 ---
	repo, deadLetters, closeStore, err := openStorage(cfg)
	if err != nil {
		return err
	}

	// --- 状态机 ---
	table, err := buildTable(cfg)
	if err != nil {
		return err
	}

	// --- Kafka 生产者 ---
	// routingWriter 不绑定 topic: 命令、延迟消息、死信、通知都由它按消息上的 Topic 路由
	routingWriter := mq.NewKafkaRoutingWriter(brokers)
	eventWriter := mq.NewKafkaWriter(brokers, cfg.Topics.Events)
	publisher := adapter.NewCommandKafkaAdapter(routingWriter, adapter.CommandTopics{
		Inventory: cfg.Topics.Inventory,
		Payment:   cfg.Topics.Payment,
		Shipment:  cfg.Topics.Shipment,
	})

	// --- 状态推送 ---
	hub := interfaces.NewStatusHub()
	notifiers := adapter.Notifiers{hub}
	if cfg.Topics.Notifications != "" {
		notifiers = append(notifiers, adapter.NewNotificationKafkaAdapter(routingWriter, cfg.Topics.Notifications))
	}

	// --- 超时 ---
	var (
		scheduler  port.TimeoutScheduler
		supervisor *application.TimeoutSupervisor
	)
	switch cfg.Saga.TimeoutMode {
	case bootstrap.TimeoutModeKafka:
		scheduler = adapter.NewSchedulerKafkaAdapter(routingWriter, cfg.Topics.DelayPrefix, cfg.Topics.Events)
	default:
		supervisor = application.NewTimeoutSupervisor()
		scheduler = supervisor
	}

	opts := []application.OrchestratorOption{application.WithStatusNotifier(notifiers)}
	if r := cfg.Infra.Redis; len(r.Addrs) > 0 {
		rdb := adapter.NewRedisClient(r.Addrs, r.Password, r.DB)
		opts = append(opts, application.WithProcessedCache(adapter.NewProcessedRedisCache(rdb, r.ProcessedTTL)))
		shutdown = append(shutdown, func(context.Context) error { return rdb.Close() })
	}
	orchestrator := application.NewSagaOrchestrator(repo, table, publisher, scheduler, opts...)

	// --- outbox 补发，多实例时用 ZooKeeper 锁互斥 ---
	var locker port.Locker
	if zkCfg := cfg.Infra.Zookeeper; zkCfg.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, zkCfg.SessionTimeout)
		conn, err := zookeeper.Connect(connectCtx, zkCfg.Servers, zkCfg.SessionTimeout)
		cancel()
		if err != nil {
			return err
		}
		lock, err := zookeeper.NewDistributedLock(conn, sweepLockKey)
		if err != nil {
			conn.Close()
			return err
		}
		locker = lock
		shutdown = append(shutdown, func(context.Context) error { conn.Close(); return nil })
	}
	relay := application.NewOutboxRelay(repo, publisher, locker, cfg.Saga.OutboxInterval, cfg.Saga.OutboxGrace)

	// --- 消费者 ---
	d := cfg.Saga.Delivery
	policy := mq.RetryPolicy{MaxAttempts: d.MaxAttempts, InitialBackoff: d.InitialBackoff, MaxBackoff: d.MaxBackoff, Multiplier: d.Multiplier}
	dispatcher := workerpool.New(ctx, cfg.Saga.Workers, cfg.Saga.QueueSize)
	eventReader := mq.NewKafkaReader(brokers, cfg.Topics.Events, cfg.Infra.Kafka.ConsumerGroup)
	consumer := interfaces.NewSagaEventHandler(eventReader, orchestrator, dispatcher, mq.NewFailureHandler(routingWriter), policy)
	if supervisor != nil {
		consumer.SetTimeoutScheduler(supervisor, d.MaxBackoff)
		supervisor.SetHandler(func(t domain.Timer) { consumer.SubmitTimeout(ctx, t) })
	}
	dltReader := mq.NewKafkaReader(brokers, mq.DLTTopic(cfg.Topics.Events), cfg.Infra.Kafka.ConsumerGroup+"-dlt")
	dlt := interfaces.NewDltConsumerAdapter(dltReader, deadLetters, policy)

	// --- HTTP ---
	appSvc := application.NewOrderApplicationService(infrastructure.NewSagaEventProducer(eventWriter), repo)
	dlSvc := application.NewDeadLetterService(deadLetters, adapter.NewReplayKafkaAdapter(routingWriter))
	handler := interfaces.NewOrderHandler(appSvc, dlSvc, hub)

	// 关闭顺序: 先停定时器和 worker (排空队列并提交 offset)，再关 reader、writer 和存储
	hooks := []func(context.Context) error{
		func(context.Context) error {
			if supervisor != nil {
				supervisor.Stop()
			}
			return nil
		},
		func(context.Context) error { dispatcher.Stop(true); return nil },
		func(context.Context) error { return eventReader.Close() },
		func(context.Context) error { return dltReader.Close() },
		func(context.Context) error { return eventWriter.Close() },
		func(context.Context) error { return routingWriter.Close() },
	}
	hooks = append(hooks, shutdown...)
	hooks = append(hooks, closeStore)

	return bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Run: func(ctx context.Context) error {
			if _, err := orchestrator.RecoverTimers(ctx); err != nil {
				return err
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return consumer.Run(gctx) })
			g.Go(func() error { return dlt.Run(gctx) })
			g.Go(func() error { return relay.Run(gctx) })
			return g.Wait()
		},
		OnShutdown: hooks,
	})
}

func openStorage(cfg *bootstrap.Config) (domain.SagaRepository, domain.DeadLetterRepository, func(context.Context) error, error) {
	if cfg.Saga.Storage == bootstrap.StorageMemory {
		zlog.Warn().Msg("⚠️ Using in-memory saga storage, state is lost on restart")
		mem := infrastructure.NewMemoryRepository()
		return mem, mem, func(context.Context) error { return nil }, nil
	}
	m := cfg.Infra.MySQL
	db, err := infrastructure.OpenMySQL(infrastructure.MySQLOptions{
		DSN:             m.DSN,
		MaxOpenConns:    m.MaxOpenConns,
		MaxIdleConns:    m.MaxIdleConns,
		ConnMaxLifetime: m.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := infrastructure.AutoMigrate(db); err != nil {
		return nil, nil, nil, err
	}
	closeDB := func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return infrastructure.NewGormSagaRepository(db), infrastructure.NewGormDeadLetterRepository(db), closeDB, nil
}

func buildTable(cfg *bootstrap.Config) (*saga.Table, error) {
	policy := saga.Policy{
		MaxRetries: cfg.Saga.MaxRetries,
		Timeouts: map[domain.Stage]time.Duration{
			domain.StageValidation: cfg.Saga.Timeouts.Validation,
			domain.StagePayment:    cfg.Saga.Timeouts.Payment,
			domain.StageShipment:   cfg.Saga.Timeouts.Shipment,
		},
	}
	if expr := cfg.Saga.RetryGuard; expr != "" {
		guard, err := saga.NewCELRetryGuard(expr)
		if err != nil {
			return nil, err
		}
		policy.RetryGuard = guard
		zlog.Info().Str("expr", expr).Msg("Using CEL retry guard")
	}
	return saga.NewDefaultTable(policy)
}
