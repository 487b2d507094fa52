package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps the go-redis client with health checking.
type Client struct {
	*redis.Client
}

// New connects and pings. It returns nil, nil when the URL is empty
// (Redis not configured).
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RegisterMetrics exposes connection pool statistics, read at scrape time.
func (c *Client) RegisterMetrics(reg prometheus.Registerer) error {
	stat := func(name, help string, value func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clinicore_redis_pool_" + name,
			Help: help,
		}, func() float64 { return float64(value(c.PoolStats())) })
	}
	for _, col := range []prometheus.Collector{
		stat("total_conns", "Connections in the pool.", func(s *redis.PoolStats) uint32 { return s.TotalConns }),
		stat("idle_conns", "Idle connections in the pool.", func(s *redis.PoolStats) uint32 { return s.IdleConns }),
		stat("hits", "Times a free connection was found in the pool.", func(s *redis.PoolStats) uint32 { return s.Hits }),
		stat("misses", "Times a free connection was not found in the pool.", func(s *redis.PoolStats) uint32 { return s.Misses }),
		stat("timeouts", "Times a wait for a connection timed out.", func(s *redis.PoolStats) uint32 { return s.Timeouts }),
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
