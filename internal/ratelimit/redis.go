package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/retry"
)

// NewRedis connects a Redis client and verifies it responds, retrying while
// Redis comes up.
func NewRedis(ctx context.Context, cfg config.RedisConfig, retryCfg config.RetryConfig, logger *zap.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	opts := retry.DefaultOptions(retryCfg)
	opts.Classifier = retry.ClassifyRedis
	if err := retry.Do(ctx, opts, func() error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("redis connected", zap.String("keyPrefix", cfg.KeyPrefix))
	return client, nil
}
