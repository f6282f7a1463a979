package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"sms-notification-service/internal/api"
	"sms-notification-service/internal/attribution"
	"sms-notification-service/internal/cache"
	"sms-notification-service/internal/commerce"
	"sms-notification-service/internal/config"
	"sms-notification-service/internal/db"
	"sms-notification-service/internal/delivery"
	"sms-notification-service/internal/kafka"
	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/notification"
	"sms-notification-service/internal/providers"
	"sms-notification-service/internal/services"
	"sms-notification-service/internal/stats"
	"sms-notification-service/internal/window"
	"sms-notification-service/pkg/sms"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	dbConn, err := db.New(ctx, cfg.DB.DSN, logger)
	if err != nil {
		logger.Fatalf("Database connection failed: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.Migrate(ctx); err != nil {
		logger.Fatalf("Schema migration failed: %v", err)
	}

	gate, err := window.New(cfg.Window.StartHour, cfg.Window.EndHour, cfg.Window.Timezone)
	if err != nil {
		logger.Fatalf("Invalid sending window: %v", err)
	}

	deps := services.Deps{
		Store:    dbConn,
		Sender:   providers.NewSMSSender(sms.New(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.FromNumber, cfg.SMS.StatusCallbackURL), logger),
		Recorder: attribution.NewRecorder(dbConn, cfg.Scheduler.AttributionWindow, logger),
		Logger:   logger,
	}

	if cfg.Commerce.BaseURL != "" {
		c, err := newCache(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("Cache init failed: %v", err)
		}
		defer c.Close()
		client := commerce.NewClient(cfg.Commerce.BaseURL, cfg.Commerce.Token, c, logger)
		deps.Anchors = commerce.NewLookup(dbConn, client, logger)
		deps.Invalidator = client
		logger.Infof("Commerce API lookups enabled: %s", cfg.Commerce.BaseURL)
	}

	if cfg.Telegram.BotToken != "" {
		reporter, err := providers.NewTelegramReporter(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.Errorf("Telegram alerts disabled: %v", err)
		} else {
			deps.Reporters = []notification.Reporter{reporter}
		}
	}

	// Initialize job families
	svc := services.New(cfg, gate, deps)
	var wg sync.WaitGroup
	svc.Start(&wg)

	// Initialize Kafka consumer
	consumer := kafka.NewConsumer(kafka.Config{
		Broker:  cfg.Kafka.Broker,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	}, svc, logger)
	consumer.Start(&wg)

	// Start API server
	router := api.NewRouter(cfg.API.BasePath, api.Deps{
		Jobs:     svc,
		Delivery: delivery.NewHandler(dbConn, dbConn, logger),
		Stats:    stats.NewAggregator(dbConn),
		Feed:     svc.WebSockets(),
	}, logger)
	srv := &http.Server{Addr: cfg.API.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Starting API server on %s", cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Errorf("API server failed: %v", err)
	}

	logger.Info("Shutting down")
	svc.Stop()
	consumer.Close()
	wg.Wait()
	logger.Info("Shutdown complete")
}

type closableCache interface {
	cache.Cache
	Close() error
}

// newCache uses Redis when REDIS_ADDR is set, bigcache otherwise.
func newCache(ctx context.Context, cfg config.Config, logger *logging.Logger) (closableCache, error) {
	if cfg.Redis.Addr != "" {
		logger.Infof("Using Redis cache at %s", cfg.Redis.Addr)
		return cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Cache.TTL)
	}
	logger.Infof("Using in-process cache (%d MB)", cfg.Cache.MaxMB)
	return cache.NewLocal(ctx, cfg.Cache.TTL, cfg.Cache.MaxMB)
}
