// Copyright 2025 James Ross
package store

import (
	"fmt"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewFromConfig builds the JobStore backend selected by cfg.Store.Backend.
func NewFromConfig(cfg *config.Config) (JobStore, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.Store.SQLitePath)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		return NewRedisStore(rdb, cfg.Store.RedisKeyspace), nil
	case "postgres":
		return NewPostgresStore(cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Store.Backend)
	}
}
