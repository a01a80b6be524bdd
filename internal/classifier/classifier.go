// Package classifier tags inbound exchange frames with a model.Kind.
package classifier

import (
	"bytes"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

// Config describes how one exchange marks its message types.
type Config struct {
	Feed string

	// DiscriminatorField is the top-level field carrying the message type.
	DiscriminatorField string
	// Kinds maps discriminator values to kinds. Unmapped values are Unknown.
	// Values match case-insensitively.
	Kinds map[string]model.Kind

	// EventsField, when set, names an array of nested events inside frames
	// mapped to KindTrade. Only items whose EventTypeField equals
	// EventTradeValue are kept; a frame with none is Unknown.
	EventsField     string
	EventTypeField  string
	EventTradeValue string

	// ErrorMessageFields are logged for KindError frames.
	ErrorMessageFields []string
}

func (c *Config) applyDefaults() {
	if c.DiscriminatorField == "" {
		c.DiscriminatorField = "type"
	}
	if c.EventTypeField == "" {
		c.EventTypeField = "type"
	}
	if c.EventTradeValue == "" {
		c.EventTradeValue = "trade"
	}
	if len(c.ErrorMessageFields) == 0 {
		c.ErrorMessageFields = []string{"message", "reason"}
	}
	kinds := make(map[string]model.Kind, len(c.Kinds))
	for value, k := range c.Kinds {
		kinds[strings.ToLower(value)] = k
	}
	c.Kinds = kinds
}

// Stats is a snapshot of per-kind counters.
type Stats struct {
	Trade           uint64
	Heartbeat       uint64
	SubscriptionAck uint64
	Error           uint64
	Unknown         uint64
}

// Classifier is safe for concurrent use.
type Classifier struct {
	cfg     Config
	log     *logger.Logger
	limiter *rate.Limiter

	counts [model.KindError + 1]atomic.Uint64
}

func New(cfg Config, log *logger.Logger) *Classifier {
	cfg.applyDefaults()
	return &Classifier{
		cfg:     cfg,
		log:     log.Named("classifier"),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Classify never fails: anything it cannot recognise is KindUnknown.
func (c *Classifier) Classify(msg model.RawMessage) model.ClassifiedEvent {
	ev := c.classify(msg)
	c.counts[ev.Kind].Add(1)
	metrics.IncClassified(c.cfg.Feed, ev.Kind.String())

	switch ev.Kind {
	case model.KindError:
		c.log.Warn("exchange reported an error",
			zap.String("feed", c.cfg.Feed),
			zap.String("message", c.errorMessage(ev.Fields)),
		)
	case model.KindUnknown:
		if c.limiter.Allow() {
			c.log.Debug("dropping unclassified frame",
				zap.String("feed", c.cfg.Feed),
				zap.String("type", ev.Type),
				zap.Int("bytes", len(msg.Data)),
			)
		}
	}
	return ev
}

func (c *Classifier) classify(msg model.RawMessage) model.ClassifiedEvent {
	ev := model.ClassifiedEvent{Kind: model.KindUnknown, Raw: msg}

	fields, ok := decodeObject(msg.Data)
	if !ok {
		return ev
	}
	ev.Fields = fields

	typ, ok := fields[c.cfg.DiscriminatorField].(string)
	if !ok {
		return ev
	}
	ev.Type = typ

	kind, ok := c.cfg.Kinds[strings.ToLower(typ)]
	if !ok {
		return ev
	}
	if kind == model.KindTrade && c.cfg.EventsField != "" {
		ev.Items = c.tradeItems(fields)
		if len(ev.Items) == 0 {
			return ev
		}
	}
	ev.Kind = kind
	return ev
}

func (c *Classifier) tradeItems(fields map[string]any) []map[string]any {
	raw, ok := fields[c.cfg.EventsField].([]any)
	if !ok {
		return nil
	}
	var items []map[string]any
	for _, r := range raw {
		item, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := item[c.cfg.EventTypeField].(string); strings.EqualFold(t, c.cfg.EventTradeValue) {
			items = append(items, item)
		}
	}
	return items
}

func (c *Classifier) errorMessage(fields map[string]any) string {
	parts := make([]string, 0, len(c.cfg.ErrorMessageFields))
	for _, f := range c.cfg.ErrorMessageFields {
		if s, ok := fields[f].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ": ")
}

// Stats returns the current per-kind counters.
func (c *Classifier) Stats() Stats {
	return Stats{
		Trade:           c.counts[model.KindTrade].Load(),
		Heartbeat:       c.counts[model.KindHeartbeat].Load(),
		SubscriptionAck: c.counts[model.KindSubscriptionAck].Load(),
		Error:           c.counts[model.KindError].Load(),
		Unknown:         c.counts[model.KindUnknown].Load(),
	}
}

// decodeObject keeps numbers as json.Number so prices survive without
// float rounding.
func decodeObject(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}
