// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/tradestream/internal/classifier"
	"github.com/YaganovValera/tradestream/internal/config"
	"github.com/YaganovValera/tradestream/internal/feed"
	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/internal/normalizer"
	"github.com/YaganovValera/tradestream/internal/publisher"
	amqppub "github.com/YaganovValera/tradestream/internal/publisher/amqp"
	kafkapub "github.com/YaganovValera/tradestream/internal/publisher/kafka"
	"github.com/YaganovValera/tradestream/internal/sink"
	redisstore "github.com/YaganovValera/tradestream/internal/storage/redis"
	"github.com/YaganovValera/tradestream/internal/transport"
	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/httpserver"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
	"github.com/YaganovValera/tradestream/pkg/telemetry"
)

// Options: поведение потребителей, задаваемое из CLI.
type Options struct {
	// Print логирует каждую сделку через логгер "display".
	Print bool
	// MaxTrades останавливает сервис после N доставленных сделок; 0 → без ограничения.
	MaxTrades uint64
	// Registerer для метрик; nil → prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App связывает фиды, sink, публикаторы и HTTP-сервер.
type App struct {
	cfg  *config.Config
	opts Options
	log  *logger.Logger

	sink       *sink.Sink
	feeds      []*feed.Connection
	publishers []*publisher.Async
	recent     *redisstore.Recent
	http       *httpserver.Server

	delivered atomic.Uint64
	stopOnce  sync.Once
	stop      context.CancelFunc
}

// Run собирает приложение и работает до отмены ctx, исчерпания ретраев
// одного из фидов или достижения MaxTrades.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) error {
	backoff.SetServiceLabel(cfg.ServiceName)
	metrics.Register(opts.Registerer)

	feeds := make([]string, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, f.Name)
	}
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, telemetry.Service{
		Name:    cfg.ServiceName,
		Version: cfg.ServiceVersion,
		Feeds:   feeds,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(context.Background()) }, log)

	a, err := New(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// New строит компоненты. Публикаторы подключаются здесь, фиды стартуют в Run.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{cfg: cfg, opts: opts, log: log}

	a.sink = sink.New(sink.Config{
		DefaultCapacity: cfg.Sink.DefaultCapacity,
		Capacities:      cfg.Capacities(),
	}, log)

	if err := a.initPublishers(ctx); err != nil {
		a.closePublishers()
		return nil, err
	}

	for _, fc := range cfg.Feeds {
		conn, err := a.newFeed(fc)
		if err != nil {
			a.closePublishers()
			return nil, fmt.Errorf("feed %s init: %w", fc.Name, err)
		}
		a.feeds = append(a.feeds, conn)
	}

	srv, err := httpserver.New(cfg.HTTP, a.Ready, log, a.routes())
	if err != nil {
		a.closePublishers()
		return nil, fmt.Errorf("httpserver init: %w", err)
	}
	a.http = srv
	return a, nil
}

func (a *App) newFeed(fc config.FeedConfig) (*feed.Connection, error) {
	flog := a.log.With(zap.String("feed", fc.Name))
	dialer := transport.NewDialer(fc.TransportConfig(), flog)
	subs := feed.NewSubscriptionManager(fc.Name, fc.SubscribeFormat(), fc.Products, fc.Channels, fc.SubscribeTimeout, flog)
	cls := classifier.New(fc.ClassifierConfig(), flog)
	norm := normalizer.New(fc.NormalizerConfig(), flog)

	conn, err := feed.New(fc.ConnectionConfig(), dialer, subs, cls, norm, a.sink, a.log)
	if err != nil {
		return nil, err
	}
	conn.OnStateChange(func(id string, from, to feed.State) {
		if to == feed.StateOpen || to == feed.StateFailed {
			a.log.Info("feed state",
				zap.String("feed", fc.Name),
				zap.String("conn_id", id),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	})
	return conn, nil
}

func (a *App) initPublishers(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Kafka.Enabled {
		p, err := kafkapub.New(ctx, kafkapub.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			RequiredAcks:   cfg.Kafka.Acks,
			Timeout:        cfg.Kafka.Timeout,
			Compression:    cfg.Kafka.Compression,
			FlushFrequency: cfg.Kafka.FlushFrequency,
			FlushMessages:  cfg.Kafka.FlushMessages,
			Backoff:        cfg.Kafka.Backoff,
		}, a.log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		a.attach(publisher.NewAsync(p, cfg.Kafka.QueueSize, a.log))
	}

	if cfg.AMQP.Enabled {
		p, err := amqppub.New(ctx, amqppub.Config{
			URL:           cfg.AMQP.URL,
			Exchange:      cfg.AMQP.Exchange,
			RoutingPrefix: cfg.AMQP.RoutingPrefix,
			Persistent:    cfg.AMQP.Persistent,
			Backoff:       cfg.AMQP.Backoff,
		}, a.log)
		if err != nil {
			return fmt.Errorf("amqp publisher init: %w", err)
		}
		a.attach(publisher.NewAsync(p, cfg.AMQP.QueueSize, a.log))
	}

	if cfg.Redis.Enabled {
		r, err := redisstore.New(ctx, redisstore.Config{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Capacity:  cfg.Redis.Capacity,
			TTL:       cfg.Redis.TTL,
			Backoff:   cfg.Redis.Backoff,
		}, a.log)
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		a.recent = r
		a.attach(publisher.NewAsync(r, cfg.Redis.QueueSize, a.log))
	}
	return nil
}

func (a *App) attach(p *publisher.Async) {
	a.publishers = append(a.publishers, p)
	a.sink.Subscribe(p.Consume)
}

// closePublishers нужен только если Run так и не был вызван.
func (a *App) closePublishers() {
	for _, p := range a.publishers {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = p.Run(ctx)
	}
	a.publishers = nil
}

// Sink exposes the shared sink to in-process consumers.
func (a *App) Sink() *sink.Sink { return a.sink }

// Feeds returns the configured connections in config order.
func (a *App) Feeds() []*feed.Connection { return a.feeds }

// Run запускает HTTP, фиды и публикаторы под одной errgroup.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.stop = stop

	if a.opts.Print {
		display := a.log.Named("display")
		a.sink.Subscribe(func(key string, ev model.TradeEvent) {
			display.Info("trade",
				zap.String("stream", key),
				zap.Stringer("side", ev.Side),
				zap.String("price", ev.Price.String()),
				zap.String("size", ev.Size.String()),
				zap.Time("ts", ev.Timestamp),
			)
		})
	}
	if a.opts.MaxTrades > 0 {
		a.sink.Subscribe(a.countDelivered)
	}

	// публикаторы живут дольше фидов, чтобы дослать очередь
	pubCtx, stopPublishers := context.WithCancel(context.Background())
	var pubs errgroup.Group
	for _, p := range a.publishers {
		pubs.Go(func() error { return p.Run(pubCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.http.Run(gctx) })
	for _, f := range a.feeds {
		g.Go(func() error { return f.Run(gctx) })
	}

	err := g.Wait()
	for _, f := range a.feeds {
		shutdownSafe(ctx, "feed "+f.Name(), f.Close, a.log)
	}
	stopPublishers()
	_ = pubs.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("tradestream stopped", zap.Uint64("delivered", a.delivered.Load()))
	return nil
}

func (a *App) countDelivered(string, model.TradeEvent) {
	if n := a.delivered.Add(1); n >= a.opts.MaxTrades {
		a.stopOnce.Do(func() {
			a.log.Info("max trades reached, stopping", zap.Uint64("max_trades", a.opts.MaxTrades))
			a.stop()
		})
	}
}

// Ready проверяет для /readyz, что все фиды Open и не «молчат».
func (a *App) Ready() error {
	now := time.Now()
	var errs []error
	for _, f := range a.feeds {
		if err := f.Ready(now, a.cfg.Health.StaleAfter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// routes: прикладные маршруты HTTP-сервера.
func (a *App) routes() map[string]http.Handler {
	return map[string]http.Handler{
		"recent":  http.HandlerFunc(a.handleRecent),
		"streams": http.HandlerFunc(a.handleStreams),
		"feeds":   http.HandlerFunc(a.handleFeeds),
	}
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
