// Package redisconn opens Redis clients.
package redisconn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/acquisitions/internal/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// Connect parses url, creates a client and pings it, retrying up to attempts times.
func Connect(ctx context.Context, url string, attempts int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	err = retry.Do(ctx, attempts, "connect to redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	slog.Info("connected to redis", "addr", opt.Addr, "db", opt.DB)
	return client, nil
}
