// Package kafka publishes normalized trades to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

var tracer = otel.Tracer("tradestream/kafka-producer")

// Config groups the tunables of the trade producer.
//
// Zero values are replaced by applyDefaults.
type Config struct {
	Brokers []string
	Topic   string

	// RequiredAcks: "all" (default) | "leader" | "none".
	RequiredAcks string
	// Timeout: максимальное время ожидания ack от кластера.
	Timeout time.Duration
	// Compression: "none" (default), "gzip", "snappy", "lz4", "zstd".
	Compression string

	FlushFrequency time.Duration
	FlushMessages  int

	// Backoff drives both connect and per-message retries.
	Backoff backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Topic == "" {
		c.Topic = "trades"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	// идемпотентность требует acks=all
	if sc.Producer.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	// ключ сообщения = поток: сделки одного символа попадают в одну партицию
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	if c.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = c.FlushFrequency
	}
	if c.FlushMessages > 0 {
		sc.Producer.Flush.Messages = c.FlushMessages
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	return sc, nil
}

// Producer publishes trades synchronously; wrap it in publisher.Async to
// keep it off the receive path.
type Producer struct {
	prod       sarama.SyncProducer
	client     sarama.Client
	topic      string
	log        *logger.Logger
	backoffCfg backoff.Config
}

// New creates a SyncProducer, retrying the connect with back-off.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctxConn, span := tracer.Start(ctx, "kafka.connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var (
		client   sarama.Client
		syncProd sarama.SyncProducer
	)
	connectCfg := cfg.Backoff
	connectCfg.Operation = "kafka_connect"
	err = backoff.Execute(ctxConn, connectCfg, log, func(context.Context) error {
		cl, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(cl)
		if err != nil {
			_ = cl.Close()
			return err
		}
		client, syncProd = cl, p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}

	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return newProducer(otelsarama.WrapSyncProducer(sc, syncProd), client, cfg, log), nil
}

func newProducer(prod sarama.SyncProducer, client sarama.Client, cfg Config, log *logger.Logger) *Producer {
	bc := cfg.Backoff
	bc.Operation = "kafka_publish"
	return &Producer{prod: prod, client: client, topic: cfg.Topic, log: log, backoffCfg: bc}
}

func (p *Producer) Name() string { return "kafka" }

// Publish sends ev keyed by its stream key.
func (p *Producer) Publish(ctx context.Context, ev model.TradeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka producer: marshal: %w", err)
	}
	key := ev.StreamKey()

	ctx, span := tracer.Start(ctx, "kafka.publish", trace.WithAttributes(
		attribute.String("topic", p.topic),
		attribute.String("stream", key),
	))
	defer span.End()

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(uuid.NewString())},
			{Key: []byte("feed"), Value: []byte(ev.Feed)},
		},
		Timestamp: ev.Timestamp,
	}

	err = backoff.Execute(ctx, p.backoffCfg, p.log, func(context.Context) error {
		_, _, err := p.prod.SendMessage(msg)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("kafka producer: publish %s: %w", key, err)
	}
	return nil
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (p *Producer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "kafka.ping")
	defer span.End()
	if p.client == nil {
		return nil
	}
	if err := p.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka producer: ping: %w", err)
	}
	return nil
}

// Close закрывает продьюсер и клиент.
func (p *Producer) Close() error {
	if err := p.prod.Close(); err != nil {
		p.log.Error("producer close failed", zap.Error(err))
		return err
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			p.log.Error("client close failed", zap.Error(err))
			return err
		}
	}
	p.log.Info("kafka producer closed")
	return nil
}
