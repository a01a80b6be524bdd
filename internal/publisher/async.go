// Package publisher delivers sink trades to downstream systems without
// blocking the receive loop.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

// Publisher sends one trade downstream.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev model.TradeEvent) error
	Close() error
}

type item struct {
	ev       model.TradeEvent
	enqueued time.Time
}

// Async decouples a Publisher from the sink: Consume enqueues without
// blocking (dropping when the queue is full) and Run delivers in order.
type Async struct {
	pub          Publisher
	queue        chan item
	flushTimeout time.Duration
	log          *logger.Logger
}

func NewAsync(pub Publisher, buffer int, log *logger.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Async{
		pub:          pub,
		queue:        make(chan item, buffer),
		flushTimeout: 5 * time.Second,
		log:          log.Named("publisher").With(zap.String("publisher", pub.Name())),
	}
}

func (a *Async) Name() string { return a.pub.Name() }

// Consume matches sink.Callback.
func (a *Async) Consume(_ string, ev model.TradeEvent) {
	select {
	case a.queue <- item{ev: ev, enqueued: time.Now()}:
	default:
		metrics.IncQueueDrop(a.pub.Name())
		a.log.Warn("queue full, dropping trade", zap.String("stream", ev.StreamKey()))
	}
}

// Run delivers queued trades until ctx is cancelled, then flushes what is
// left within flushTimeout and closes the publisher.
func (a *Async) Run(ctx context.Context) error {
	defer func() {
		if err := a.pub.Close(); err != nil {
			a.log.Error("publisher close failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			return nil
		case it := <-a.queue:
			a.deliver(ctx, it)
		}
	}
}

func (a *Async) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	defer cancel()
	for {
		select {
		case it := <-a.queue:
			a.deliver(ctx, it)
		default:
			return
		}
		if ctx.Err() != nil {
			a.log.Warn("flush timed out", zap.Int("left", len(a.queue)))
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, it item) {
	name := a.pub.Name()
	if err := a.pub.Publish(ctx, it.ev); err != nil {
		metrics.IncPublished(name, "error")
		a.log.Error("publish failed", zap.String("stream", it.ev.StreamKey()), zap.Error(err))
		return
	}
	metrics.IncPublished(name, "ok")
	metrics.PublishLatency.WithLabelValues(name).Observe(time.Since(it.enqueued).Seconds())
}
