// Package redis mirrors each stream's recent-trades window into Redis lists
// so that other processes can read it without talking to this service.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

var (
	redisMetrics = struct {
		Errors  *prometheus.CounterVec
		Latency *prometheus.HistogramVec
	}{
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradestream", Subsystem: "redis", Name: "errors_total",
			Help: "Redis operation errors",
		}, []string{"op"}),
		Latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradestream", Subsystem: "redis", Name: "operation_latency_seconds",
			Help:    "Latency of Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	tracer = otel.Tracer("tradestream/redis")
)

// Config хранит параметры подключения к Redis.
type Config struct {
	URL       string        // e.g. "redis://host:6379/0"
	KeyPrefix string        // default: "tradestream:recent:"
	Capacity  int           // длина списка на поток, default: 100
	TTL       time.Duration // default: 10m; обновляется при каждой записи
	Backoff   backoff.Config
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "tradestream:recent:"
	}
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: URL required")
	}
	return nil
}

// Recent keeps one capped list per stream, newest element at the head.
type Recent struct {
	client     *redis.Client
	cfg        Config
	log        *logger.Logger
	backoffCfg backoff.Config
}

// New connects with retry and returns the mirror.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Recent, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctxConn, span := tracer.Start(ctx, "redis.connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	bc := cfg.Backoff
	bc.Operation = "redis_connect"
	err = backoff.Execute(ctxConn, bc, log, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	span.End()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	r := NewWithClient(client, cfg, log)
	r.log.Info("redis: connected", zap.String("addr", opts.Addr))
	return r, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, log *logger.Logger) *Recent {
	cfg.applyDefaults()
	bc := cfg.Backoff
	bc.Operation = "redis"
	return &Recent{client: client, cfg: cfg, log: log.Named("redis"), backoffCfg: bc}
}

func (r *Recent) Key(streamKey string) string { return r.cfg.KeyPrefix + streamKey }

func (r *Recent) Name() string { return "redis" }

// Publish pushes ev to the head of its stream list, trims the list to
// Capacity and refreshes the TTL in one MULTI/EXEC.
func (r *Recent) Publish(ctx context.Context, ev model.TradeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	key := r.Key(ev.StreamKey())

	ctx, span := tracer.Start(ctx, "redis.push", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	err = backoff.Execute(ctx, r.backoffCfg, r.log, func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, key, string(body))
			p.LTrim(ctx, key, 0, int64(r.cfg.Capacity-1))
			p.Expire(ctx, key, r.cfg.TTL)
			return nil
		})
		return err
	})
	if err != nil {
		redisMetrics.Errors.WithLabelValues("push").Inc()
		span.RecordError(err)
		return fmt.Errorf("redis: push %s: %w", key, err)
	}
	redisMetrics.Latency.WithLabelValues("push").Observe(time.Since(start).Seconds())
	return nil
}

// Load returns the mirrored window of streamKey, oldest first. A missing
// key yields an empty slice.
func (r *Recent) Load(ctx context.Context, streamKey string) ([]model.TradeEvent, error) {
	key := r.Key(streamKey)
	ctx, span := tracer.Start(ctx, "redis.load", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	var raw []string
	err := backoff.Execute(ctx, r.backoffCfg, r.log, func(ctx context.Context) error {
		vals, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		raw = vals
		return nil
	})
	if err != nil {
		redisMetrics.Errors.WithLabelValues("load").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("redis: load %s: %w", key, err)
	}
	redisMetrics.Latency.WithLabelValues("load").Observe(time.Since(start).Seconds())

	out := make([]model.TradeEvent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ev model.TradeEvent
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			r.log.Warn("redis: skipping malformed entry", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Streams lists stream keys that currently have a mirrored window.
func (r *Recent) Streams(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.cfg.KeyPrefix+"*", 100).Result()
		if err != nil {
			redisMetrics.Errors.WithLabelValues("scan").Inc()
			return nil, fmt.Errorf("redis: scan: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, r.cfg.KeyPrefix))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (r *Recent) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Recent) Close() error {
	return r.client.Close()
}
