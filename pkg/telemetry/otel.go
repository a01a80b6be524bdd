// Package telemetry экспортирует трассы tradestream (connect, subscribe,
// publish) в OTLP-коллектор.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/logger"
)

// FeedsKey перечисляет имена фидов процесса, чтобы трассы разных
// инсталляций с одинаковым именем сервиса различались в коллекторе.
const FeedsKey = attribute.Key("tradestream.feeds")

// Config: секция telemetry.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"otel_endpoint" validate:"required_if=Enabled true"`
	Insecure bool   `mapstructure:"insecure"`
	// SamplerRatio: доля корневых span'ов; 0 → не сэмплировать ничего.
	SamplerRatio float64 `mapstructure:"sampler_ratio" validate:"gte=0,lte=1"`
	// Environment попадает в deployment.environment (prod, staging, ...).
	Environment string        `mapstructure:"environment"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// Service: кто отправляет трассы.
type Service struct {
	Name       string
	Version    string
	InstanceID string // пусто → случайный uuid на процесс
	Feeds      []string
}

// Shutdown сбрасывает буфер span'ов и останавливает экспортёр.
type Shutdown func(context.Context) error

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

func (c Config) check(svc Service) error {
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry: otel_endpoint is required when enabled")
	}
	if svc.Name == "" || svc.Version == "" {
		return fmt.Errorf("telemetry: service name and version are required")
	}
	if c.SamplerRatio < 0 || c.SamplerRatio > 1 {
		return fmt.Errorf("telemetry: sampler_ratio must be within [0, 1], got %v", c.SamplerRatio)
	}
	return nil
}

// Resource описывает процесс tradestream для коллектора.
func Resource(cfg Config, svc Service) *resource.Resource {
	id := svc.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	feeds := append([]string(nil), svc.Feeds...)
	sort.Strings(feeds)

	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
		semconv.ServiceInstanceID(id),
		FeedsKey.StringSlice(feeds),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Sampler: ParentBased поверх доли SamplerRatio.
func Sampler(cfg Config) sdktrace.Sampler {
	switch {
	case cfg.SamplerRatio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case cfg.SamplerRatio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))
	}
}

// InitTracer ставит глобальный TracerProvider с OTLP/gRPC-экспортёром.
// При cfg.Enabled == false остаётся no-op провайдер otel.
func InitTracer(ctx context.Context, cfg Config, svc Service, log *logger.Logger) (Shutdown, error) {
	log = log.Named("telemetry")
	if !cfg.Enabled {
		log.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.check(svc); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.timeout()),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(initCtx, opts...)
	if err != nil {
		log.Error("exporter creation failed", zap.Error(err), zap.String("endpoint", cfg.Endpoint))
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(Sampler(cfg)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(Resource(cfg, svc)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.Strings("feeds", svc.Feeds),
		zap.Float64("sampler_ratio", cfg.SamplerRatio),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error("shutdown failed", zap.Error(err))
			return err
		}
		return nil
	}, nil
}
