package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"

	"locker-control-backend/config"
	"locker-control-backend/internal/api"
	"locker-control-backend/internal/broker"
	"locker-control-backend/internal/db"
	"locker-control-backend/internal/kiosk"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/monitor"
	"locker-control-backend/internal/notification"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/queue"
	"locker-control-backend/internal/session"
	"locker-control-backend/internal/store"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "locker-backend ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("ignoring .env: %v", err)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s (%d kiosks)", configPath, len(cfg.Kiosks))

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	hub := notify.NewHub()
	lockers := locker.NewService(appStore, hub)

	var audit queue.AuditSink
	if cfg.Broker.AMQPURL != "" {
		auditPub := broker.NewAuditPublisher(cfg.Broker.AMQPURL, cfg.Broker.AuditQueue)
		defer auditPub.Close()
		audit = auditPub
		logger.Printf("command audit records go to queue %s", cfg.Broker.AuditQueue)
	}

	registry, err := kiosk.NewRegistry(cfg, appStore, lockers, hub, audit)
	if err != nil {
		logger.Fatalf("failed to build kiosks: %v", err)
	}

	sessions := session.NewManager(lockers, registry, hub, cfg.Sessions.Timeout)
	monitorSvc := monitor.NewService(cfg.Monitor, registry, lockers, hub)

	if cfg.Broker.RedisAddr != "" {
		rdb, err := broker.NewRedisClient(cfg.Broker.RedisAddr, cfg.Broker.RedisPassword)
		if err != nil {
			logger.Printf("redis unavailable, state events stay local: %v", err)
		} else {
			defer rdb.Close()
			events := broker.NewEventPublisher(rdb, cfg.Broker.RedisChannel)
			go events.Run(ctx, hub.Subscribe(256, notify.OfType(notify.EventLockerState, notify.EventHealth)))
			logger.Printf("state events published to redis channel %s", cfg.Broker.RedisChannel)
		}
	}

	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
		go pool.Run(ctx, hub.Subscribe(64, notify.OfType(notify.EventHealth, notify.EventHardware, notify.EventLockerState)))
	} else {
		logger.Println("VAPID keys are not configured; operator push alerts are disabled")
	}

	// Provision lockers, recover interrupted commands and start the queues.
	if err := registry.Start(ctx); err != nil {
		logger.Fatalf("failed to start kiosks: %v", err)
	}
	go monitorSvc.Run(ctx)

	// Initialize router
	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Store:    appStore,
		Registry: registry,
		Lockers:  lockers,
		Sessions: sessions,
		Hub:      hub,
		Monitor:  monitorSvc,
		Webpush:  webpushOptions,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// SSE streams end when the hub closes their subscriptions.
	sessions.Close()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}

	// Queue workers finish the command in hand before returning.
	cancel()
	registry.Close()

	logger.Println("Server gracefully stopped")
}
