package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient dials Redis from REDIS_ADDRESS. A missing address is not an
// error: callers treat a nil client as "no cache, no cross-instance locks".
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	address := strings.TrimSpace(os.Getenv("REDIS_ADDRESS"))
	if address == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       IntFromEnv("REDIS_DB", 0),
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", address, err)
	}
	return client, nil
}

func NewLocker(client *redis.Client) *redislock.Client {
	if client == nil {
		return nil
	}
	return redislock.New(client)
}
