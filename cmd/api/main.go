package main

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/schoolplan/auth"
	"github.com/zllovesuki/schoolplan/billing"
	"github.com/zllovesuki/schoolplan/broker"
	"github.com/zllovesuki/schoolplan/config"
	"github.com/zllovesuki/schoolplan/customer"
	"github.com/zllovesuki/schoolplan/db"
	"github.com/zllovesuki/schoolplan/external"
	"github.com/zllovesuki/schoolplan/gate"
	"github.com/zllovesuki/schoolplan/metrics"
	"github.com/zllovesuki/schoolplan/plan"
	"github.com/zllovesuki/schoolplan/reconciler"
	"github.com/zllovesuki/schoolplan/subscription"
	"github.com/zllovesuki/schoolplan/task"
	"github.com/zllovesuki/schoolplan/usage"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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
			"component": "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(registry)

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
	if cfg.PlansFile != "" {
		plans, err := plan.LoadFile(cfg.PlansFile)
		if err != nil {
			logger.Fatal("Cannot load plans",
				zap.String("File", cfg.PlansFile),
				zap.Error(err),
			)
		}
		for _, p := range plans {
			if _, err := catalog.Upsert(context.Background(), p); err != nil {
				logger.Fatal("Cannot save plan",
					zap.String("PlanID", p.ID),
					zap.Error(err),
				)
			}
		}
	}

	processor, err := external.NewStripe(external.StripeOptions{
		Client:        external.NewStripeClient(cfg.StripeKey, nil),
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Stripe",
			zap.Error(err),
		)
	}
	if cfg.StripeSyncPlans {
		if err := processor.SyncPlans(context.Background(), catalog.ListPlans("")); err != nil {
			logger.Fatal("Cannot sync plans with Stripe",
				zap.Error(err),
			)
		}
	}

	// Lifecycle notifications are optional in development
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

	featureGate, err := gate.New(gate.Options{
		Subscriptions: subscriptionManager,
		Plans:         catalog,
		Meter:         meter,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Gate",
			zap.Error(err),
		)
	}

	customerManager, err := customer.NewManager(logger, db, processor)
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	eventReconciler, err := reconciler.New(reconciler.Options{
		DB:            db,
		Logger:        logger,
		Subscriptions: subscriptionManager,
		Customers:     customerManager,
		Metrics:       m,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: cfg.JWTSigningKey,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	billingFacade, err := billing.New(billing.Options{
		Catalog:       catalog,
		Subscriptions: subscriptionManager,
		Meter:         meter,
		Gate:          featureGate,
		Customers:     customerManager,
		Processor:     processor,
		Logger:        logger,
		SyncPlans:     cfg.StripeSyncPlans,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Billing",
			zap.Error(err),
		)
	}

	billingRouter, err := billing.NewService(billing.ServiceOptions{
		Billing: billingFacade,
		Auth:    authManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Billing Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rootRouter.Mount("/billing", billingRouter.Router())
	rootRouter.Post("/webhooks/stripe", eventReconciler.WebhookHandler(processor, cfg.WebhookTimeout))
	rootRouter.Handle("/metrics", m.Handler())

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	// Pick up plan edits made through other replicas
	refreshJob, err := task.RefreshJob(catalog)
	if err != nil {
		logger.Fatal("Cannot get plan refresh job",
			zap.Error(err),
		)
	}
	scheduler, err := task.NewScheduler(logger)
	if err != nil {
		logger.Fatal("Cannot initialize Scheduler",
			zap.Error(err),
		)
	}
	if err := scheduler.Add("plan_refresh", cfg.PlanRefreshSchedule, refreshJob); err != nil {
		logger.Fatal("Cannot schedule plan refresh",
			zap.Error(err),
		)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    cfg.ListenAddr,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server stopped",
				zap.Error(err),
			)
		}
	}()
	logger.Info("API server started",
		zap.String("Addr", cfg.ListenAddr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
