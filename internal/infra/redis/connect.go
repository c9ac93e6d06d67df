package redis

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/vogiaan1904/actpresence/config"
	pkgRedis "github.com/vogiaan1904/actpresence/pkg/redis"
)

func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	cli, err := pkgRedis.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", cfg.Addr, err)
	}

	log.Printf("Connected to Redis at %s (db %d).\n", cfg.Addr, cfg.DB)

	return cli, nil
}

func Disconnect(cli *redis.Client) {
	if cli == nil {
		return
	}

	if err := cli.Close(); err != nil {
		log.Printf("Closing Redis connection: %v\n", err)
		return
	}

	log.Println("Connection to Redis closed.")
}
