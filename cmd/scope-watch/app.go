package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parcelscope/parcelscope/config"
	"github.com/parcelscope/parcelscope/internal/broker/kafka"
	"github.com/parcelscope/parcelscope/internal/cache/rediscache"
	"github.com/parcelscope/parcelscope/internal/services/watcher"
	"github.com/parcelscope/parcelscope/internal/storage/pgparcel"
)

type watchFactories struct {
	newStorage     func(cfg *config.Config) (repo watcher.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) watcher.Producer
	newRateLimiter func(cfg *config.Config) watcher.RateLimiter
}

func defaultWatchFactories() watchFactories {
	return watchFactories{
		newStorage: func(cfg *config.Config) (watcher.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgparcel.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) watcher.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) watcher.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
	}
}

// RunScopeWatch wires the sweep watcher and its admin HTTP server and
// blocks until ctx is cancelled or either of them fails.
func RunScopeWatch(ctx context.Context, cfg *config.Config, f watchFactories, swaggerPath string) error {
	topic := cfg.Kafka.ParcelFlaggedTopicName
	if topic == "" {
		topic = "parcel.flagged"
	}

	sweepInterval := time.Duration(cfg.ParcelScope.WatcherSweepIntervalSeconds) * time.Second
	batchSize := cfg.ParcelScope.WatcherBatchSize
	concurrency := cfg.ParcelScope.WatcherConcurrency
	stallThreshold := time.Duration(cfg.ParcelScope.StallThresholdHours) * time.Hour
	suppressWindow := time.Duration(cfg.ParcelScope.WatcherSuppressWindowSeconds) * time.Second

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)

	w := watcher.New(repo, producer, rl, topic).
		WithSettings(sweepInterval, batchSize, concurrency, stallThreshold, suppressWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		return runWatchHTTPServer(gctx, watchHTTPOpts{
			httpAddr:    cfg.ParcelScope.WatcherHTTPAddr,
			swaggerPath: swaggerPath,
			watcher:     w,
			cfg:         cfg,
		})
	})
	return g.Wait()
}
