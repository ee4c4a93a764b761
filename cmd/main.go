package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"order-exchange/internal/api"
	"order-exchange/internal/config"
	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
	"order-exchange/internal/lock"
	"order-exchange/internal/machine"
	"order-exchange/internal/repository"
	"order-exchange/internal/scheduler"
	"order-exchange/internal/service"
	"order-exchange/internal/sharding"
	"order-exchange/migrations"
)

func connectDB(cfg config.DBConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("mysql", cfg.DSN())
		if err == nil {
			err = db.Ping()
			if err == nil {
				log.Info().Str("db", cfg.Name).Msg("connected to DB")
				return db, nil
			}
		}
		log.Warn().Err(err).Int("attempt", i+1).Str("db", cfg.Name).Str("host", cfg.Host).Msg("failed to connect to DB")
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to DB %s at %s:%s after retries: %w", cfg.Name, cfg.Host, cfg.Port, err)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	dbs := make([]*sql.DB, 0, len(cfg.DBShards))
	for _, shard := range cfg.DBShards {
		db, err := connectDB(shard)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		defer db.Close()
		dbs = append(dbs, db)
	}

	if err := migrations.AutoMigrateOrders(3, dbs...); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate orders tables")
	}
	if err := migrations.AutoMigrateCommissionRates(3, dbs[0]); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate commission_rates table")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	kafkaWriter := config.NewKafkaWriter(cfg.KafkaOrderTopic)
	defer kafkaWriter.Close()

	router := sharding.NewShardRouter(len(dbs))
	orders := repository.NewOrderRepository(dbs, router)
	rates := repository.NewCommissionRates(dbs[0], rdb, cfg.DefaultCommissionRate)
	sched := scheduler.NewRedisScheduler(rdb)

	hc := &http.Client{}
	catalog := gateway.NewCatalogClient(cfg.CatalogServiceURL, hc)

	deps := service.Deps{
		Store:       orders,
		Catalog:     catalog,
		Inventory:   catalog,
		Payment:     gateway.NewPaymentClient(cfg.PaymentServiceURL, hc),
		Tax:         gateway.NewTaxClient(cfg.TaxServiceURL, hc),
		Events:      gateway.NewKafkaEventSink(kafkaWriter),
		Scheduler:   sched,
		Locker:      lock.NewRedisLocker(rdb, cfg.LockTTL),
		Commission:  rates,
		Idempotency: service.NewRedisIdempotency(rdb),
		Observer:    service.NewLogObserver(log.Logger),
	}
	settings := service.Settings{
		GatewayTimeout: cfg.GatewayTimeout,
		LockWait:       cfg.LockWait,
		Policy: machine.ExpirationPolicy{
			entity.StatePending:   cfg.PendingExpiration,
			entity.StateSubmitted: cfg.SubmittedExpiration,
			entity.StateApproved:  cfg.ApprovedExpiration,
		},
		OfferWindow:  cfg.OfferExpiration,
		ReminderLead: cfg.ReminderLead,
	}

	orderService := service.NewOrderService(deps, settings)
	offerService := service.NewOfferService(deps, settings)
	followUps := service.NewFollowUpService(orderService)
	orderHandler := api.NewOrderHandler(orderService, offerService, rates)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sched.Run(ctx, cfg.SchedulerPollInterval, followUps.Handle)

	e := echo.New()

	limiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(5),
				Burst:     10,
				ExpiresIn: 3 * time.Minute,
			}),
		IdentifierExtractor: func(context echo.Context) (string, error) {
			return context.RealIP(), nil
		},
		ErrorHandler: func(context echo.Context, err error) error {
			return context.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
		DenyHandler: func(context echo.Context, identifier string, err error) error {
			return context.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	}

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiterWithConfig(limiterConfig))

	e.GET("/orders/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "order-exchange",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	orderHandler.Register(e.Group("", api.JWT(cfg.JWTSecret)))

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
