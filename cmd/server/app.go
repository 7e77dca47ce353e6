package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"paygate/internal/config"
	"paygate/internal/events"
	"paygate/internal/gateway"
	"paygate/internal/handler"
	"paygate/internal/repository"
	"paygate/internal/service"
	"paygate/pkg/database"
	"paygate/pkg/redis"
)

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *database.PostgresDB
	redis       *redis.Client
	mongo       *mongo.Client
	webhookLogs *repository.WebhookLogRepository
	publisher   events.Publisher

	registry   *gateway.Registry
	reconciler *service.Reconciler
	payments   *service.PaymentService
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	registry, err := gateway.NewRegistry(cfg.Payments.Gateways, cfg.Payments.DefaultGateway)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway registry: %w", err)
	}
	a.registry = registry
	logger.Info("gateways configured",
		zap.Strings("gateways", registry.Names()),
		zap.String("default", registry.Default()))

	stores, err := a.openStores(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var cache service.Cache = service.NewMemoryCache()
	if cfg.RedisURL != "" {
		a.redis = redis.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		cache = a.redis
	}

	if cfg.KafkaBrokers != "" {
		a.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	} else {
		a.publisher = events.NewLogPublisher(logger)
	}

	a.reconciler = service.NewReconciler(registry, stores, a.publisher, logger)
	if cfg.Payments.LogWebhooks {
		if cfg.MongoURI == "" {
			a.close()
			return nil, errors.New("payments.log_webhooks requires mongo_uri")
		}
		client, err := repository.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			a.close()
			return nil, err
		}
		a.mongo = client
		a.webhookLogs = repository.NewWebhookLogRepository(client.Database(cfg.MongoDatabase))
		a.reconciler.WithWebhookLog(a.webhookLogs)
	}

	a.payments = service.NewPaymentService(registry, stores, a.reconciler, cache, a.publisher, service.Options{
		SupportedCurrencies: cfg.Payments.SupportedCurrencies,
		RetryCount:          cfg.Payments.Verification.RetryCount,
		VerifyTimeout:       cfg.Payments.Verification.Timeout,
		IdempotencyTTL:      cfg.Payments.IdempotencyTTL,
		QuoteTTL:            cfg.Payments.QuoteTTL,
		CallbackURL:         cfg.CallbackURL,
	}, logger)

	return a, nil
}

func (a *app) openStores(ctx context.Context) (service.Stores, error) {
	if a.cfg.Storage == "memory" {
		a.logger.Warn("using in-memory storage; state is lost on restart")
		store := repository.NewMemoryStore()
		return service.Stores{Payments: store, Orders: store, Refunds: store}, nil
	}

	db, err := database.NewPostgresDB(ctx, a.cfg.DatabaseURL, database.DefaultOptions())
	if err != nil {
		return service.Stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	return service.Stores{
		Payments: repository.NewPaymentRepository(db.DB),
		Orders:   repository.NewOrderRepository(db.DB),
		Refunds:  repository.NewRefundRepository(db.DB),
	}, nil
}

func (a *app) handlers() (*handler.PaymentHandler, *handler.WebhookHandler) {
	var logs handler.WebhookLogReader
	if a.webhookLogs != nil {
		logs = a.webhookLogs
	}
	return handler.NewPaymentHandler(a.payments, a.cfg.Payments.VerifyOnCallback, a.logger),
		handler.NewWebhookHandler(a.reconciler, logs, a.logger)
}

// ready reports the first unreachable dependency.
func (a *app) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.mongo.Disconnect(ctx)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
