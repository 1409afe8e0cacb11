package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/freelancesl/escrow-pay/config"
	"github.com/freelancesl/escrow-pay/gateway"
	"github.com/freelancesl/escrow-pay/handlers"
	"github.com/freelancesl/escrow-pay/logging"
	"github.com/freelancesl/escrow-pay/middleware"
	"github.com/freelancesl/escrow-pay/outbox"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/freelancesl/escrow-pay/store"
	"github.com/freelancesl/escrow-pay/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	registry, err := gateway.NewRegistry(cfg, log)
	if err != nil {
		log.Fatalf("Failed to configure payment providers: %v", err)
	}

	st := store.NewGormStore(db).WithNotificationTopic(cfg.NotificationTopic)
	orchestrator := payments.NewOrchestrator(st, registry, payments.Config{
		FeePercentage:     cfg.PlatformFeePercentage,
		Currency:          cfg.Currency,
		DefaultProvider:   cfg.DefaultProvider,
		InitiateTimeout:   cfg.InitiateTimeout,
		ReleaseTimeout:    cfg.ReleaseTimeout,
		IdempotencyWindow: cfg.IdempotencyWindow,
	}, log)

	var publisher outbox.Publisher = outbox.LogPublisher{Log: log}
	if cfg.NSQDAddress != "" {
		producer, err := outbox.NewNSQPublisher(cfg.NSQDAddress)
		if err != nil {
			log.Fatalf("Failed to connect to nsqd: %v", err)
		}
		defer producer.Stop()
		publisher = producer
	} else {
		log.Warn("NSQD_ADDRESS not set, outbox messages will only be logged")
	}
	relay := outbox.NewRelay(st, publisher, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := []*worker.Periodic{
		worker.NewPeriodic("outbox-relay", cfg.OutboxInterval, func(ctx context.Context) error {
			_, err := relay.PublishPending(ctx)
			return err
		}, log),
		worker.NewPeriodic("reconciler", cfg.ReconcileInterval, func(ctx context.Context) error {
			report, err := orchestrator.Reconcile(ctx, cfg.ReconcileAge)
			if report.Checked > 0 || report.StuckPending > 0 {
				log.WithFields(logrus.Fields{
					"checked":       report.Checked,
					"resolved":      report.Resolved,
					"still_pending": report.StillPending,
					"stuck_pending": report.StuckPending,
					"errors":        report.Errors,
				}).Info("reconciliation pass finished")
			}
			return err
		}, log),
	}
	for _, w := range workers {
		w.Start(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, log, handlers.NewPaymentHandler(orchestrator, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Starting escrow payment server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	for _, w := range workers {
		w.Stop()
	}
}

func newRouter(cfg *config.Config, log logrus.FieldLogger, payment *handlers.PaymentHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestID(), logging.RequestLogger(log))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "escrow-pay",
		})
	})

	api := router.Group("/api/v1/payments")
	{
		// Providers authenticate with a body signature, not a user token.
		api.POST("/callback", middleware.CallbackSignature(cfg.CallbackSecret), payment.Callback)

		authed := api.Group("", middleware.JwtAuthMiddleware(cfg.JWTSecret))
		authed.POST("/deposit", payment.Deposit)
		authed.POST("/transactions", payment.CreateTransaction)
		authed.GET("/transactions", payment.ListTransactions)
		authed.GET("/transactions/:id", payment.GetTransaction)
		authed.POST("/release/:id", payment.Release)
		authed.POST("/refund/:id", middleware.RequireRole("admin"), payment.Refund)
	}

	return router
}
