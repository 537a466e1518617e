package cache

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes the Redis deployment backing the geo index and sessions
type Config struct {
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// Options translates the config into go-redis client options
func (c Config) Options() *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(c.Host, c.Port),
		Password:     c.Password,
		DB:           c.DB,
		MaxRetries:   c.MaxRetries,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConn,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.ReadTimeout,
		PoolTimeout:  c.ReadTimeout + time.Second,
	}
}

// NewRedisClient opens a client and pings it. The client is closed again if
// Redis does not answer.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(cfg.Options())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", net.JoinHostPort(cfg.Host, cfg.Port), err)
	}
	return client, nil
}

// Close is nil-safe
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// PoolStats summarises the client pool for monitoring
func PoolStats(client *redis.Client) map[string]interface{} {
	stats := client.PoolStats()
	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
	}
}
