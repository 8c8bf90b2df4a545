package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"polytrade.com/internal/api"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/engine"
	"polytrade.com/internal/event"
	"polytrade.com/internal/exchange"
	"polytrade.com/internal/infra"
	"polytrade.com/internal/lifecycle"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
	"polytrade.com/internal/scheduler"
	"polytrade.com/internal/service"
	"polytrade.com/internal/store"
	"polytrade.com/internal/strategies"
	"polytrade.com/internal/trading"
)

const (
	busBuffer  = 1024
	tickBuffer = 4096
	feedBuffer = 256
)

// evaluatorFunc 调度器与生命周期控制器互相依赖，延迟绑定
type evaluatorFunc func(ctx context.Context) error

func (f evaluatorFunc) EvaluateAll(ctx context.Context) error { return f(ctx) }

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	fatal := func(msg string, err error) {
		log.Error(msg, logger.Error(err))
		os.Exit(1)
	}

	// 2. 初始化基础设施
	db, err := infra.NewDatabase(cfg.Database, log)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	st := store.New(db)

	rdb := infra.NewRedisClient(cfg.Redis)
	if err := infra.PingRedis(context.Background(), rdb); err != nil {
		fatal("failed to connect to redis", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	bus := event.NewBus(busBuffer, log)

	// 3. 行情与执行
	gateway := exchange.NewClient(rdb, log)
	hub := engine.NewFeedHub(gateway, feedBuffer, log)
	ticks := make(chan model.Tick, tickBuffer)
	subscriber := infra.NewMarketSubscriber(rdb, ticks, log)
	liveFiller := trading.NewLiveFiller(gateway, cfg.Execution, rec, log)

	// 4. 回测、调度与生命周期
	compiler := strategies.NewCompiler(st)
	backtestSvc := service.NewBacktestService(st, compiler, cfg.Backtest, bus, rec, log)
	factory := service.NewSessionFactory(st, compiler, hub, liveFiller, cfg.Session, bus, rec, log)

	var controller *lifecycle.Controller
	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Store:   st,
		Factory: factory.Build,
		Evaluator: evaluatorFunc(func(ctx context.Context) error {
			return controller.EvaluateAll(ctx)
		}),
		Bus:     bus,
		Metrics: rec,
		Log:     log,
	})
	controller = lifecycle.NewController(cfg.Lifecycle, lifecycle.Deps{
		Store:      st,
		Backtests:  backtestSvc,
		Supervisor: sched,
		Producer:   strategies.NewTemplateProducer(uint64(time.Now().UnixNano())),
		Bus:        bus,
		Metrics:    rec,
		Log:        log,
	})

	// 5. 外部事件转发
	var publisher domain.EventPublisher
	if cfg.Kafka.Enabled {
		kp, err := infra.NewKafkaPublisher(cfg.Kafka, log)
		if err != nil {
			fatal("failed to init kafka publisher", err)
		}
		publisher = kp
	}

	// 6. 启动引擎
	eng := engine.NewEngine(engine.Deps{
		Hub:        hub,
		Subscriber: subscriber,
		Ticks:      ticks,
		Scheduler:  sched,
		Backtests:  backtestSvc,
		Bus:        bus,
		Publisher:  publisher,
		Log:        log,
	})
	if err := eng.Start(); err != nil {
		fatal("failed to start engine", err)
	}

	// 7. 设置 Fiber 服务器
	app := api.NewServer(cfg.Server, api.Services{
		Strategy: service.NewStrategyService(st, compiler, controller, bus, log),
		Backtest: backtestSvc,
		Session:  service.NewSessionService(st, sched, cfg.Session, log),
		Market:   service.NewMarketService(infra.NewPoloniexClient(cfg.Poloniex, log), st, log),
		Checks: map[string]api.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error { return infra.PingRedis(ctx, rdb) },
		},
		Gatherer: reg,
	}, log)

	go func() {
		log.Info("server starting", logger.String("port", cfg.Server.Port))
		if err := app.Listen(cfg.Server.Port); err != nil {
			fatal("server failed to start", err)
		}
	}()

	// 8. 优雅退出：先停 HTTP，再停引擎保存会话状态
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", logger.String("signal", sig.String()))

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn("http shutdown failed", logger.Error(err))
	}
	eng.Stop()
	if err := rdb.Close(); err != nil {
		log.Warn("redis close failed", logger.Error(err))
	}
	log.Info("shutdown complete")
}
