package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/config"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/offer"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/domain/session"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	"github.com/gocomet/ride-dispatch/internal/repository/memory"
	"github.com/gocomet/ride-dispatch/internal/repository/postgres"
	redisrepo "github.com/gocomet/ride-dispatch/internal/repository/redis"
	"github.com/gocomet/ride-dispatch/pkg/cache"
	"github.com/gocomet/ride-dispatch/pkg/database"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
	"github.com/redis/go-redis/v9"
)

// poolStatsInterval is how often connection pool gauges go to New Relic
const poolStatsInterval = time.Minute

type storage struct {
	rides    ride.Repository
	users    user.Repository
	offers   offer.Repository
	sessions session.Store
	index    geo.Index
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, nrApp *monitoring.NewRelicApp, appLogger *logger.Logger) (*storage, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		appLogger.Warn("Using in-memory storage; state is lost on restart")
		return &storage{
			rides:    memory.NewRideStore(),
			users:    memory.NewUserStore(),
			offers:   memory.NewOfferStore(),
			sessions: memory.NewSessionStore(),
			index:    memory.NewGeoIndex(),
			close:    func() {},
		}, nil
	}

	db, err := database.NewPostgresDB(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		DBName:      cfg.Database.Name,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConnections,
		MaxIdle:     cfg.Database.MaxIdleConns,
		MaxLifetime: cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	appLogger.Info("Connected to PostgreSQL", logger.Bool("auto_migrate", cfg.Database.AutoMigrate))

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.NewRedisClient(ctx, cache.Config{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		MaxRetries:  cfg.Redis.MaxRetries,
		PoolSize:    cfg.Redis.PoolSize,
		MinIdleConn: cfg.Redis.MinIdleConn,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	appLogger.Info("Connected to Redis")

	statsCtx, cancelStats := context.WithCancel(ctx)
	go reportPoolStats(statsCtx, db, redisClient, nrApp)

	return &storage{
		rides:    postgres.NewRideStore(db),
		users:    postgres.NewUserStore(db),
		offers:   postgres.NewOfferStore(db),
		sessions: redisrepo.NewSessionStore(redisClient, cfg.Session.TTL),
		index:    redisrepo.NewGeoIndex(redisClient),
		close: func() {
			cancelStats()
			cache.Close(redisClient)
			db.Close()
		},
	}, nil
}

func reportPoolStats(ctx context.Context, db *sql.DB, redisClient *redis.Client, nrApp *monitoring.NewRelicApp) {
	if !nrApp.IsEnabled() {
		return
	}
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nrApp.RecordPoolStats("db", database.PoolStats(db))
			nrApp.RecordPoolStats("redis", cache.PoolStats(redisClient))
		}
	}
}
