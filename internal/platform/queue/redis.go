package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/logger"
)

var RDB *redis.Client

func ConnectRedis() {
	log := logger.NewNamedLogger("redis")

	RDB = redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.RedisAddr,
		Password: config.AppConfig.RedisPassword,
		DB:       config.AppConfig.RedisDB,
	})

	if _, err := RDB.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("Could not connect to Redis: %v", err)
	}
	log.Info("Successfully connected to Redis")
}

func CloseRedis() {
	if RDB != nil {
		RDB.Close()
		logger.NewNamedLogger("redis").Info("Redis connection closed")
	}
}
