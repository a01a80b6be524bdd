package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name      string
		input     Config
		wantErr   bool
		wantAcks  string
		wantComp  string
		wantTopic string
	}{
		{"empty", Config{}, true, "all", "none", "trades"},
		{"noBrokers", Config{Compression: "gzip"}, true, "all", "gzip", "trades"},
		{"ok", Config{Brokers: []string{"b1"}, Topic: "raw"}, false, "all", "none", "raw"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if cfg.RequiredAcks != c.wantAcks {
				t.Errorf("RequiredAcks = %q; want %q", cfg.RequiredAcks, c.wantAcks)
			}
			if cfg.Compression != c.wantComp {
				t.Errorf("Compression = %q; want %q", cfg.Compression, c.wantComp)
			}
			if cfg.Topic != c.wantTopic {
				t.Errorf("Topic = %q; want %q", cfg.Topic, c.wantTopic)
			}
			if err := cfg.validate(); (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	cases := []struct {
		acks, comp string
		wantErr    bool
		wantAcks   sarama.RequiredAcks
		wantIdem   bool
	}{
		{"all", "none", false, sarama.WaitForAll, true},
		{"LeAdEr", "gzip", false, sarama.WaitForLocal, false},
		{"none", "zstd", false, sarama.NoResponse, false},
		{"invalid", "none", true, 0, false},
		{"all", "brotli", true, 0, false},
	}
	for _, c := range cases {
		t.Run(c.acks+"/"+c.comp, func(t *testing.T) {
			sc, err := buildSaramaConfig(Config{RequiredAcks: c.acks, Compression: c.comp})
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Producer.RequiredAcks != c.wantAcks {
				t.Errorf("acks = %v; want %v", sc.Producer.RequiredAcks, c.wantAcks)
			}
			if sc.Producer.Idempotent != c.wantIdem {
				t.Errorf("idempotent = %v; want %v", sc.Producer.Idempotent, c.wantIdem)
			}
			if !sc.Producer.Return.Successes {
				t.Error("Return.Successes must be enabled for SyncProducer")
			}
		})
	}
}

func testTrade() model.TradeEvent {
	return model.TradeEvent{
		Feed:      "coinbase",
		Symbol:    "BTC-USD",
		Side:      model.SideSell,
		Price:     decimal.RequireFromString("6500.00"),
		Size:      decimal.RequireFromString("0.01"),
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPublish_Success(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "trades" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "coinbase:BTC-USD" {
			return errors.New("unexpected key " + string(key))
		}
		raw, _ := msg.Value.Encode()
		var got model.TradeEvent
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if !got.Price.Equal(decimal.RequireFromString("6500")) || got.Side != model.SideSell {
			return errors.New("unexpected payload " + string(raw))
		}
		if len(msg.Headers) == 0 || string(msg.Headers[0].Key) != "message_id" {
			return errors.New("message_id header missing")
		}
		return nil
	})

	p := newProducer(mp, nil, Config{Topic: "trades"}, logger.NewNop())
	if err := p.Publish(context.Background(), testTrade()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPublish_RetryThenFail(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	cfg := Config{
		Topic:   "trades",
		Backoff: backoff.Config{InitialInterval: time.Millisecond, DisableJitter: true, MaxRetries: 1},
	}
	p := newProducer(mp, nil, cfg, logger.NewNop())
	err := p.Publish(context.Background(), testTrade())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("Publish error = %v; want ErrOutOfBrokers", err)
	}
	_ = p.Close()
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}, logger.NewNop()); err == nil {
		t.Error("expected error without brokers")
	}
	_, err := New(context.Background(), Config{Brokers: []string{"b"}, RequiredAcks: "some"}, logger.NewNop())
	if err == nil {
		t.Error("expected error for invalid acks")
	}
}
