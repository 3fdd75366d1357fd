package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/schoolplan/broker"
	"github.com/zllovesuki/schoolplan/config"
	"github.com/zllovesuki/schoolplan/db"
	"github.com/zllovesuki/schoolplan/metrics"
	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/subscription"
	"github.com/zllovesuki/schoolplan/task"
	"github.com/zllovesuki/schoolplan/usage"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v7"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var err error

	runOnce := flag.Bool("once", false, "run the sweep and usage reconciliation once and exit")
	flag.Parse()

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if string(config.EnvProduction) == env {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Load configurations from the .env file of the environment
	cfg, err := config.Load(os.Getenv, config.DotFile(env))
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(cfg.Env),
		Release:     Version,
		Debug:       !cfg.IsProduction(),
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "task",
		},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)
	defer logger.Sync()

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    cfg.PostgresURI,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisURI},
		Password: cfg.RedisPW,
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	// Sweep results are reported through logs; the api process exposes /metrics
	m := metrics.NewMetrics(prometheus.NewRegistry())

	catalog, err := plan.NewCatalog(plan.CatalogOptions{
		DB:         db,
		Logger:     logger,
		Resolution: cfg.PlanResolution,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Catalog",
			zap.Error(err),
		)
	}

	var notifier subscription.Notifier
	if cfg.AMQPURI != "" {
		amqpBroker, err := broker.NewAMQPBroker(logger, cfg.AMQPURI)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		n, err := amqpBroker.Notifier()
		if err != nil {
			logger.Fatal("Cannot setup lifecycle notifier",
				zap.Error(err),
			)
		}
		notifier = n
	}

	subscriptionManager, err := subscription.NewManager(subscription.Options{
		DB:               db,
		Logger:           logger,
		Catalog:          catalog,
		Notifier:         notifier,
		Metrics:          m,
		PastDueWindow:    cfg.PastDueWindow,
		GraceWindow:      cfg.GraceWindow,
		FailureThreshold: cfg.FailureThreshold,
		RenewalLeeway:    cfg.RenewalLeeway,
		SweepConcurrency: cfg.SweepConcurrency,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	meter, err := usage.NewMeter(usage.Options{
		DB:       db,
		Logger:   logger,
		Plans:    subscriptionManager,
		Entities: usage.DefaultTableCounter(),
		Metrics:  m,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Meter",
			zap.Error(err),
		)
	}

	locker, err := task.NewLocker(rdb, "schoolplan:lock:")
	if err != nil {
		logger.Fatal("Cannot initialize Locker",
			zap.Error(err),
		)
	}

	sweepTask, err := task.NewSweepTask(task.SweepOptions{
		Subscriptions: subscriptionManager,
		Locker:        locker,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot get sweep task",
			zap.Error(err),
		)
	}

	reconcileTask, err := task.NewReconcileTask(task.ReconcileOptions{
		Schools: subscriptionManager,
		Meter:   meter,
		Locker:  locker,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot get reconcile task",
			zap.Error(err),
		)
	}

	if *runOnce {
		ctx := context.Background()
		if _, err := sweepTask.Run(ctx); err != nil {
			logger.Error("Sweep failed",
				zap.Error(err),
			)
		}
		if _, err := reconcileTask.Run(ctx); err != nil {
			logger.Error("Usage reconciliation failed",
				zap.Error(err),
			)
		}
		return
	}

	scheduler, err := task.NewScheduler(logger)
	if err != nil {
		logger.Fatal("Cannot initialize Scheduler",
			zap.Error(err),
		)
	}
	if err := scheduler.Add("sweep", cfg.SweepSchedule, sweepTask.Run); err != nil {
		logger.Fatal("Cannot schedule sweep",
			zap.Error(err),
		)
	}
	if err := scheduler.Add("reconcile", cfg.ReconcileSchedule, reconcileTask.Run); err != nil {
		logger.Fatal("Cannot schedule usage reconciliation",
			zap.Error(err),
		)
	}

	refreshJob, err := task.RefreshJob(catalog)
	if err != nil {
		logger.Fatal("Cannot get plan refresh job",
			zap.Error(err),
		)
	}
	if err := scheduler.Add("plan_refresh", cfg.PlanRefreshSchedule, refreshJob); err != nil {
		logger.Fatal("Cannot schedule plan refresh",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	scheduler.Start()
	logger.Info("Task worker started")

	<-c
	scheduler.Stop()
}
