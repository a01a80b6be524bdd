// Package amqp publishes normalized trades to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

var tracer = otel.Tracer("tradestream/amqp-publisher")

type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	// RoutingPrefix starts every routing key: <prefix>.<feed>.<symbol>.
	RoutingPrefix string
	Persistent    bool
	Backoff       backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Exchange == "" {
		c.Exchange = "tradestream"
	}
	if c.ExchangeType == "" {
		c.ExchangeType = amqp.ExchangeTopic
	}
	if c.RoutingPrefix == "" {
		c.RoutingPrefix = "trade"
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("amqp publisher: url required")
	}
	return nil
}

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	cfg  Config
	conn *amqp.Connection
	ch   Channel
	log  *logger.Logger
}

// New dials the broker with back-off, opens a channel and declares the
// exchange.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var (
		conn *amqp.Connection
		ch   *amqp.Channel
	)
	bc := cfg.Backoff
	bc.Operation = "amqp_connect"
	err := backoff.Execute(ctx, bc, log, func(context.Context) error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			return err
		}
		chn, err := c.Channel()
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("open channel: %w", err)
		}
		conn, ch = c, chn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: connect: %w", err)
	}

	p, err := NewWithChannel(ch, cfg, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel declares the exchange on an already open channel.
func NewWithChannel(ch Channel, cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp publisher: declare exchange %q: %w", cfg.Exchange, err)
	}
	log = log.Named("amqp-publisher")
	log.Info("amqp publisher ready", zap.String("exchange", cfg.Exchange), zap.String("type", cfg.ExchangeType))
	return &Publisher{cfg: cfg, ch: ch, log: log}, nil
}

func (p *Publisher) Name() string { return "amqp" }

// RoutingKey returns "<prefix>.<feed>.<symbol>" in lower case. Dots inside
// the symbol are replaced so topic bindings keep three words.
func (p *Publisher) RoutingKey(ev model.TradeEvent) string {
	sym := strings.ReplaceAll(strings.ToLower(ev.Symbol), ".", "_")
	return p.cfg.RoutingPrefix + "." + strings.ToLower(ev.Feed) + "." + sym
}

func (p *Publisher) Publish(ctx context.Context, ev model.TradeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("amqp publisher: marshal: %w", err)
	}
	key := p.RoutingKey(ev)

	ctx, span := tracer.Start(ctx, "amqp.publish", trace.WithAttributes(
		attribute.String("exchange", p.cfg.Exchange),
		attribute.String("routing_key", key),
	))
	defer span.End()

	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        "trade",
		Body:        body,
	}
	if p.cfg.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("amqp publisher: publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	var firstErr error
	if err := p.ch.Close(); err != nil {
		firstErr = err
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		p.log.Error("amqp close failed", zap.Error(firstErr))
	}
	return firstErr
}
