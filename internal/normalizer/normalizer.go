// Package normalizer turns classified trade frames into model.TradeEvent.
package normalizer

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

// Drop reasons, also used as metric labels.
const (
	ReasonNotTrade      = "not_trade"
	ReasonMissingField  = "missing_field"
	ReasonInvalidNumber = "invalid_number"
	ReasonNegative      = "negative"
	ReasonInvalidSide   = "invalid_side"
)

// unix timestamps above this are milliseconds
const msThreshold = 1e12

// ValidationError explains why a frame did not become a TradeEvent.
type ValidationError struct {
	Field  string
	Reason string
	Value  any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("normalizer: %s: %s (%v)", e.Field, e.Reason, e.Value)
}

// Config maps exchange field names onto TradeEvent fields.
type Config struct {
	Feed string

	SymbolField string
	SideField   string
	PriceField  string
	SizeField   string
	TimeField   string

	// DefaultSymbol is used when frames carry no symbol (per-symbol endpoints).
	DefaultSymbol string

	// Sides maps lowercase exchange side values to canonical sides.
	Sides map[string]model.Side
	// InvertSide reports the opposite of the mapped side, turning a maker
	// side into the taker side.
	InvertSide bool
}

func (c *Config) applyDefaults() {
	if c.SymbolField == "" {
		c.SymbolField = "product_id"
	}
	if c.SideField == "" {
		c.SideField = "side"
	}
	if c.PriceField == "" {
		c.PriceField = "price"
	}
	if c.SizeField == "" {
		c.SizeField = "size"
	}
	if c.TimeField == "" {
		c.TimeField = "time"
	}
	if len(c.Sides) == 0 {
		c.Sides = DefaultSides()
	} else {
		lower := make(map[string]model.Side, len(c.Sides))
		for k, v := range c.Sides {
			lower[strings.ToLower(k)] = v
		}
		c.Sides = lower
	}
}

// DefaultSides covers the common spellings.
func DefaultSides() map[string]model.Side {
	return map[string]model.Side{
		"buy":  model.SideBuy,
		"bid":  model.SideBuy,
		"sell": model.SideSell,
		"ask":  model.SideSell,
	}
}

// Stats counts normalization outcomes.
type Stats struct {
	Emitted uint64
	Dropped uint64
}

type Normalizer struct {
	cfg Config
	log *logger.Logger

	emitted atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, log *logger.Logger) *Normalizer {
	cfg.applyDefaults()
	return &Normalizer{cfg: cfg, log: log.Named("normalizer")}
}

// Normalize converts a flat trade event. For events with nested items
// only the first item is considered; use NormalizeAll for those.
func (n *Normalizer) Normalize(ev model.ClassifiedEvent) (model.TradeEvent, bool) {
	if ev.Kind != model.KindTrade {
		n.drop(&ValidationError{Field: "kind", Reason: ReasonNotTrade, Value: ev.Kind.String()})
		return model.TradeEvent{}, false
	}
	var item map[string]any
	if len(ev.Items) > 0 {
		item = ev.Items[0]
	}
	return n.one(ev, item)
}

// NormalizeAll converts every trade carried by ev. Invalid items are
// dropped individually.
func (n *Normalizer) NormalizeAll(ev model.ClassifiedEvent) []model.TradeEvent {
	if len(ev.Items) == 0 {
		if t, ok := n.Normalize(ev); ok {
			return []model.TradeEvent{t}
		}
		return nil
	}
	if ev.Kind != model.KindTrade {
		n.drop(&ValidationError{Field: "kind", Reason: ReasonNotTrade, Value: ev.Kind.String()})
		return nil
	}
	out := make([]model.TradeEvent, 0, len(ev.Items))
	for _, item := range ev.Items {
		if t, ok := n.one(ev, item); ok {
			out = append(out, t)
		}
	}
	return out
}

// Stats returns the outcome counters.
func (n *Normalizer) Stats() Stats {
	return Stats{Emitted: n.emitted.Load(), Dropped: n.dropped.Load()}
}

func (n *Normalizer) one(ev model.ClassifiedEvent, item map[string]any) (model.TradeEvent, bool) {
	t, err := n.build(ev, item)
	if err != nil {
		n.drop(err)
		return model.TradeEvent{}, false
	}
	n.emitted.Add(1)
	return t, true
}

func (n *Normalizer) drop(err *ValidationError) {
	n.dropped.Add(1)
	metrics.IncNormalizeDrop(n.cfg.Feed, err.Reason)
	n.log.Debug("trade dropped", zap.String("feed", n.cfg.Feed), zap.Error(err))
}

func (n *Normalizer) build(ev model.ClassifiedEvent, item map[string]any) (model.TradeEvent, *ValidationError) {
	lookup := func(field string) (any, bool) {
		if item != nil {
			if v, ok := item[field]; ok && v != nil {
				return v, true
			}
		}
		v, ok := ev.Fields[field]
		return v, ok && v != nil
	}

	symbol := n.cfg.DefaultSymbol
	if v, ok := lookup(n.cfg.SymbolField); ok {
		if s, ok := v.(string); ok && s != "" {
			symbol = s
		}
	}
	if symbol == "" {
		return model.TradeEvent{}, &ValidationError{Field: n.cfg.SymbolField, Reason: ReasonMissingField}
	}

	rawSide, ok := lookup(n.cfg.SideField)
	if !ok {
		return model.TradeEvent{}, &ValidationError{Field: n.cfg.SideField, Reason: ReasonMissingField}
	}
	sideStr, _ := rawSide.(string)
	side, ok := n.cfg.Sides[strings.ToLower(strings.TrimSpace(sideStr))]
	if !ok || side == model.SideUnknown {
		return model.TradeEvent{}, &ValidationError{Field: n.cfg.SideField, Reason: ReasonInvalidSide, Value: rawSide}
	}
	if n.cfg.InvertSide {
		side = side.Opposite()
	}

	price, verr := n.amount(lookup, n.cfg.PriceField)
	if verr != nil {
		return model.TradeEvent{}, verr
	}
	size, verr := n.amount(lookup, n.cfg.SizeField)
	if verr != nil {
		return model.TradeEvent{}, verr
	}

	// время сделки необязательно: без него берём момент приёма фрейма
	ts := ev.Raw.ReceivedAt
	if v, ok := lookup(n.cfg.TimeField); ok {
		if parsed, err := parseTime(v); err == nil {
			ts = parsed
		} else {
			n.log.Debug("unparsable trade time, using arrival time",
				zap.String("feed", n.cfg.Feed), zap.Any("value", v), zap.Error(err))
		}
	}

	return model.TradeEvent{
		Feed:      n.cfg.Feed,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: ts.UTC(),
	}, nil
}

func (n *Normalizer) amount(lookup func(string) (any, bool), field string) (decimal.Decimal, *ValidationError) {
	v, ok := lookup(field)
	if !ok {
		return decimal.Zero, &ValidationError{Field: field, Reason: ReasonMissingField}
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: ReasonInvalidNumber, Value: v}
	}
	if d.IsNegative() {
		return decimal.Zero, &ValidationError{Field: field, Reason: ReasonNegative, Value: v}
	}
	return d, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, fmt.Errorf("not finite: %v", x)
		}
		return decimal.NewFromFloat(x), nil
	case fmt.Stringer: // json.Number
		return decimal.NewFromString(x.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}

func parseTime(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
	}
	d, err := toDecimal(v)
	if err != nil || d.IsNegative() || d.IsZero() {
		return time.Time{}, fmt.Errorf("unsupported timestamp %v", v)
	}
	if d.GreaterThan(decimal.NewFromFloat(msThreshold)) {
		return time.UnixMilli(d.IntPart()), nil
	}
	sec := d.IntPart()
	nsec := d.Sub(decimal.NewFromInt(sec)).Shift(9).IntPart()
	return time.Unix(sec, nsec), nil
}
