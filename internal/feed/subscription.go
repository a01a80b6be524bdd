package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/pkg/logger"
)

// SubscribeFormat describes the exchange's subscribe request, e.g. for
// Coinbase: {"type":"subscribe","product_ids":[...],"channels":[...]}.
type SubscribeFormat struct {
	// Disabled skips the request entirely (per-symbol endpoints).
	Disabled bool

	TypeField     string
	TypeValue     string
	ProductsField string
	ChannelsField string
	// IDField, when set, carries a per-connection monotonic request id.
	IDField string
}

func (f *SubscribeFormat) applyDefaults() {
	if f.TypeField == "" {
		f.TypeField = "type"
	}
	if f.TypeValue == "" {
		f.TypeValue = "subscribe"
	}
	if f.ProductsField == "" {
		f.ProductsField = "product_ids"
	}
	if f.ChannelsField == "" {
		f.ChannelsField = "channels"
	}
}

// SubscriptionManager builds and sends the subscribe request once per
// Open transition and tracks its acknowledgement.
type SubscriptionManager struct {
	feed     string
	format   SubscribeFormat
	products []string
	channels []string
	timeout  time.Duration
	log      *logger.Logger

	nextID atomic.Uint64
}

func NewSubscriptionManager(feed string, format SubscribeFormat, products, channels []string, ackTimeout time.Duration, log *logger.Logger) *SubscriptionManager {
	format.applyDefaults()
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &SubscriptionManager{
		feed:     feed,
		format:   format,
		products: append([]string(nil), products...),
		channels: append([]string(nil), channels...),
		timeout:  ackTimeout,
		log:      log.Named("subscription"),
	}
}

// Build renders the next subscribe request.
func (m *SubscriptionManager) Build() ([]byte, uint64, error) {
	id := m.nextID.Add(1)
	req := map[string]any{
		m.format.TypeField:     m.format.TypeValue,
		m.format.ProductsField: m.products,
	}
	if len(m.channels) > 0 {
		req[m.format.ChannelsField] = m.channels
	}
	if m.format.IDField != "" {
		req[m.format.IDField] = id
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("subscription: marshal: %w", err)
	}
	return b, id, nil
}

type sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Subscribe sends the request over conn. A nil Subscription with a nil
// error means subscribing is disabled for this feed. Send failures are
// returned as the transport's SendError.
func (m *SubscriptionManager) Subscribe(ctx context.Context, conn sender) (*Subscription, error) {
	if m.format.Disabled {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "feed.subscribe")
	defer span.End()

	payload, id, err := m.Build()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("feed", m.feed),
		attribute.Int64("subscribe.id", int64(id)),
		attribute.StringSlice("subscribe.products", m.products),
	)

	if err := conn.Send(ctx, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe send failed")
		m.log.Error("subscribe failed", zap.String("feed", m.feed), zap.Uint64("id", id), zap.Error(err))
		return nil, err
	}
	m.log.Info("subscribe sent",
		zap.String("feed", m.feed),
		zap.Uint64("id", id),
		zap.Strings("products", m.products),
		zap.Strings("channels", m.channels),
	)
	return &Subscription{ID: id, acked: make(chan struct{})}, nil
}

// Watch waits for the acknowledgement. On timeout it only warns: the
// connection stays up.
func (m *SubscriptionManager) Watch(ctx context.Context, sub *Subscription) {
	if sub == nil {
		return
	}
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-sub.acked:
		metrics.IncSubscribeAck(m.feed, "ok")
	case <-timer.C:
		sub.timedOut.Store(true)
		metrics.IncSubscribeAck(m.feed, "timeout")
		m.log.Warn("subscription not acknowledged",
			zap.String("feed", m.feed),
			zap.Uint64("id", sub.ID),
			zap.Duration("timeout", m.timeout),
		)
	case <-ctx.Done():
	}
}

// Subscription is one sent subscribe request.
type Subscription struct {
	ID uint64

	ackOnce  sync.Once
	acked    chan struct{}
	timedOut atomic.Bool
}

// Ack marks the subscription acknowledged. Safe to call repeatedly.
func (s *Subscription) Ack() {
	if s == nil {
		return
	}
	s.ackOnce.Do(func() { close(s.acked) })
}

// Acked reports whether an acknowledgement arrived.
func (s *Subscription) Acked() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.acked:
		return true
	default:
		return false
	}
}

// TimedOut reports whether the ack deadline passed first.
func (s *Subscription) TimedOut() bool {
	return s != nil && s.timedOut.Load()
}
