package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/handlers"
	"github.com/mmdatafocus/fulfillment_backend/integration"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/middlewares"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/pipeline"
	"github.com/mmdatafocus/fulfillment_backend/replenishment"
	"github.com/mmdatafocus/fulfillment_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()
	if settings.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen before dependencies are up; until the full router is swapped in
	// every route except /healthz answers 503.
	var current atomic.Pointer[gin.Engine]
	boot := gin.New()
	boot.Use(middlewares.Readiness(func() bool { return false }))
	current.Store(boot)

	srv := &http.Server{
		Addr: ":" + settings.Port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current.Load().ServeHTTP(w, r)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	db := config.ConnectDatabaseWithRetry(settings)
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !settings.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	rdb, locker := config.ConnectRedisWithRetry(sigCtx, settings.RedisAddress)
	if rdb != nil {
		defer rdb.Close()
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	bins := inventory.NewBinLedger(db, logger, settings.CASMaxRetries)
	stock := inventory.NewEngine(db, bins, logger, inventory.Options{
		Workers:             settings.BulkWorkers,
		MaxCycleCountSample: settings.MaxCycleCountSample,
	})
	ledger := pipeline.NewUnitLedger(db, logger, settings.CASMaxRetries)
	coordinator := pipeline.NewCoordinator(db, ledger, stock, logger, pipeline.CoordinatorOptions{
		Workers:             settings.BulkWorkers,
		MaxRetries:          settings.CASMaxRetries,
		AutoCompleteBatches: settings.AutoCompleteBatches,
	})
	rop := replenishment.NewEngine(db, bins, logger, replenishment.Options{
		WindowDays:          settings.ROPWindowDays,
		DefaultLeadTimeDays: settings.DefaultLeadTimeDays,
		Redis:               rdb,
		Locker:              locker,
	})
	queue := integration.NewQueue(db, logger, settings.SyncQueueMaxRetries)

	h := &handlers.Handlers{
		DB:              db,
		Ledger:          ledger,
		Coordinator:     coordinator,
		Inventory:       stock,
		ROP:             rop,
		Queue:           queue,
		VendorSyncTopic: settings.VendorSyncTopic,
		Logger:          logger,
	}
	if vendors, err := integration.NewVendorSyncer(db, queue, logger, settings); err == nil {
		h.Vendors = vendors
	} else {
		logger.WithFields(logrus.Fields{"field": "integration"}).Warn("vendor master sync disabled: " + err.Error())
	}
	if orders, err := integration.NewOrderSyncer(db, ledger, queue, logger, settings); err == nil {
		h.Orders = orders
	} else {
		logger.WithFields(logrus.Fields{"field": "integration"}).Warn("order pull disabled: " + err.Error())
	}

	var publisher *config.PubSubPublisher
	if settings.PubSubProjectID != "" {
		client, err := config.GetClient(sigCtx, settings)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("pubsub disabled: " + err.Error())
		} else {
			if settings.CreateTopics {
				for _, topic := range []string{settings.EventsTopic, settings.VendorSyncTopic} {
					if _, err := config.CreateTopicIfNotExists(sigCtx, client, topic); err != nil {
						config.LogError(logger, "main", "main", "create topic", topic, err)
					}
				}
			}
			publisher = config.NewPubSubPublisher(client)
			h.Publisher = publisher
			h.Outbox = workflow.NewOutboxDispatcher(db, logger, publisher, settings.EventsTopic)
			go h.Outbox.Run(workerCtx)
		}
	}
	go replenishment.NewScheduler(rop, settings.ROPInterval, logger).Run(workerCtx)
	go queue.Run(workerCtx, settings.SyncQueueInterval)

	var draining atomic.Bool
	r := gin.New()
	r.Use(middlewares.CorrelationId())
	r.Use(middlewares.Readiness(func() bool { return !draining.Load() }))
	r.Use(cors.New(corsConfig(settings)))
	if settings.RateLimitEnabled && rdb != nil {
		r.Use(middlewares.NewRateLimiter(rdb, settings.RateLimitMax, settings.RateLimitWindow).Middleware())
	}
	r.Use(middlewares.Actor())
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())
	h.Register(r)
	r.NoRoute(handlers.NotFound)
	current.Store(r)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on :", settings.Port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	draining.Store(true)
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	publisher.Stop()
}

// corsConfig allows every origin outside production. In production only
// CORS_ALLOWED_ORIGINS is allowed, and an empty list denies all.
func corsConfig(s config.Settings) cors.Config {
	c := cors.DefaultConfig()
	if s.IsProduction() {
		c.AllowOrigins = s.CORSAllowedOrigins
		if len(c.AllowOrigins) == 0 {
			c.AllowOrigins = []string{}
		}
	} else {
		c.AllowAllOrigins = true
	}
	c.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	c.AddAllowHeaders("Origin", "Content-Type", middlewares.HeaderActor, middlewares.HeaderCorrelationId)
	c.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.HeaderCorrelationId)
	return c
}
