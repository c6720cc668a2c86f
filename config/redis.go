package config

import (
	"context"
	"fmt"
	"log"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
)

var (
	RDB    *redis.Client
	Locker *redislock.Client
)

// ConnectRedis connects the shared Redis client and the lock client used
// for per-lead mutual exclusion.
func ConnectRedis() error {
	RDB = redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	if err := RDB.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", AppConfig.Redis.Address, err)
	}
	Locker = redislock.New(RDB)
	log.Printf("✅ Connected to redis at %s", AppConfig.Redis.Address)
	return nil
}
