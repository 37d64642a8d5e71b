package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parcelscope/parcelscope/config"
	"github.com/parcelscope/parcelscope/internal/broker/kafka"
	"github.com/parcelscope/parcelscope/internal/cache/rediscache"
	"github.com/parcelscope/parcelscope/internal/carriers"
	"github.com/parcelscope/parcelscope/internal/services/parcels"
	"github.com/parcelscope/parcelscope/internal/storage/pgparcel"
)

type scopeAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     scopeAPIOpts
	svc      *parcels.Service
	rl       *rediscache.RateLimiter
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapScopeAPI() *scopeAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	httpAddr := cfg.ParcelScope.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ParcelScope.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "scope-api"
	}
	topic := cfg.Kafka.ScanRecordedTopicName
	if topic == "" {
		topic = "parcel.scans"
	}

	cacheTTL := time.Duration(cfg.ParcelScope.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	st := mustOpenPostgresWithRetry(pgConnString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	svc := parcels.New(st, rc, cacheTTL).
		WithRules(carriers.NewRules(cfg.ParcelScope.PostalCountryCode, cfg.ParcelScope.PostalCarrierName))

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &scopeAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: scopeAPIOpts{
			httpAddr:       httpAddr,
			swaggerPath:    swaggerPath,
			topic:          topic,
			consumerGroup:  consumerGroup,
			extractPerMin:  int64(cfg.ParcelScope.ExtractRateLimitPerMinute),
			stallThreshold: time.Duration(cfg.ParcelScope.StallThresholdHours) * time.Hour,
		},
		svc:      svc,
		rl:       rl,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func pgConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgparcel.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgparcel.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *scopeAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *scopeAPIApp) Run() error {
	return runScopeAPI(a.ctx, a.opts, a.svc, a.rl, a.consumer)
}
