// Package store opens the shared Redis handle used by the quota ledger,
// credential cursor, burst queue and feature flag. The handle is created
// once at startup and injected into each component.
package store

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by capgate.
const DefaultKeyPrefix = "capgate:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	return o
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*goredis.Client, error) {
	opts = opts.withDefaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Ping reports whether the store is reachable.
func Ping(ctx context.Context, client goredis.Cmdable) error {
	return client.Ping(ctx).Err()
}
