package redis

import (
	"context"
	"fmt"
	"time"

	"ingestion-service/internal/config"

	"github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client used by the job store.
type Client struct {
	client *redis.Client
}

// NewRedisClient connects and pings within five seconds.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &Client{client: client}, nil
}

func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Ping is used by the health check.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}
