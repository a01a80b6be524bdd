// internal/config/feed.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/YaganovValera/tradestream/internal/classifier"
	"github.com/YaganovValera/tradestream/internal/feed"
	"github.com/YaganovValera/tradestream/internal/normalizer"
	"github.com/YaganovValera/tradestream/internal/transport"
	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/model"
)

// FeedConfig описывает одно подключение к бирже.
type FeedConfig struct {
	// Name входит в ключ потока "<name>:<symbol>", поэтому без ':'.
	Name     string   `mapstructure:"name" validate:"required,excludes=:"`
	Preset   string   `mapstructure:"preset" validate:"omitempty,oneof=coinbase gemini"`
	Endpoint string   `mapstructure:"endpoint" validate:"required,url"`
	Products []string `mapstructure:"products"`
	Channels []string `mapstructure:"channels"`

	// Symbol подставляется, если фреймы не несут символ (per-symbol URL).
	Symbol string `mapstructure:"symbol"`

	// RetentionCapacity переопределяет sink.default_capacity; nil → по умолчанию.
	RetentionCapacity *int `mapstructure:"retention_capacity" validate:"omitempty,gte=0"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
}

// ReconnectConfig: политика переподключения.
type ReconnectConfig struct {
	MaxRetries  uint64        `mapstructure:"max_retries"` // 0 → без ограничений
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"omitempty,gte=1"`
	Jitter      *bool         `mapstructure:"jitter"` // nil → true
}

// ProtocolConfig: имена полей и значения, специфичные для биржи.
type ProtocolConfig struct {
	// классификация
	Discriminator   string            `mapstructure:"discriminator"`
	Kinds           map[string]string `mapstructure:"kinds"`
	EventsField     string            `mapstructure:"events_field"`
	EventTypeField  string            `mapstructure:"event_type_field"`
	EventTradeValue string            `mapstructure:"event_trade_value"`
	ErrorFields     []string          `mapstructure:"error_fields"`

	// запрос подписки
	SubscribeDisabled bool   `mapstructure:"subscribe_disabled"`
	TypeField         string `mapstructure:"type_field"`
	TypeValue         string `mapstructure:"type_value"`
	ProductsField     string `mapstructure:"products_field"`
	ChannelsField     string `mapstructure:"channels_field"`
	IDField           string `mapstructure:"id_field"`

	// нормализация
	SymbolField string            `mapstructure:"symbol_field"`
	SideField   string            `mapstructure:"side_field"`
	PriceField  string            `mapstructure:"price_field"`
	SizeField   string            `mapstructure:"size_field"`
	TimeField   string            `mapstructure:"time_field"`
	Sides       map[string]string `mapstructure:"sides"`
	InvertSide  bool              `mapstructure:"invert_side"`
}

// resolve накладывает пресет на незаданные поля и проставляет дефолты.
func (f *FeedConfig) resolve() error {
	if f.Preset != "" {
		p, ok := Preset(f.Preset)
		if !ok {
			return fmt.Errorf("unknown preset %q", f.Preset)
		}
		f.merge(p)
	}
	if f.HandshakeTimeout <= 0 {
		f.HandshakeTimeout = 10 * time.Second
	}
	if f.ReadTimeout <= 0 {
		f.ReadTimeout = 30 * time.Second
	}
	if f.WriteTimeout <= 0 {
		f.WriteTimeout = 5 * time.Second
	}
	if f.SubscribeTimeout <= 0 {
		f.SubscribeTimeout = 5 * time.Second
	}
	if f.Reconnect.BackoffBase <= 0 {
		f.Reconnect.BackoffBase = time.Second
	}
	if f.Reconnect.BackoffCap <= 0 {
		f.Reconnect.BackoffCap = 30 * time.Second
	}
	if f.Reconnect.Multiplier == 0 {
		f.Reconnect.Multiplier = 2
	}
	if f.Reconnect.Jitter == nil {
		on := true
		f.Reconnect.Jitter = &on
	}
	return nil
}

// merge копирует из p только то, что не задано в f.
func (f *FeedConfig) merge(p FeedConfig) {
	str := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	strs := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = append([]string(nil), src...)
		}
	}
	dict := func(dst *map[string]string, src map[string]string) {
		if len(*dst) == 0 && len(src) > 0 {
			*dst = make(map[string]string, len(src))
			for k, v := range src {
				(*dst)[k] = v
			}
		}
	}

	str(&f.Endpoint, p.Endpoint)
	strs(&f.Products, p.Products)
	strs(&f.Channels, p.Channels)
	str(&f.Symbol, p.Symbol)

	pr, src := &f.Protocol, p.Protocol
	str(&pr.Discriminator, src.Discriminator)
	dict(&pr.Kinds, src.Kinds)
	str(&pr.EventsField, src.EventsField)
	str(&pr.EventTypeField, src.EventTypeField)
	str(&pr.EventTradeValue, src.EventTradeValue)
	strs(&pr.ErrorFields, src.ErrorFields)

	pr.SubscribeDisabled = pr.SubscribeDisabled || src.SubscribeDisabled
	str(&pr.TypeField, src.TypeField)
	str(&pr.TypeValue, src.TypeValue)
	str(&pr.ProductsField, src.ProductsField)
	str(&pr.ChannelsField, src.ChannelsField)
	str(&pr.IDField, src.IDField)

	str(&pr.SymbolField, src.SymbolField)
	str(&pr.SideField, src.SideField)
	str(&pr.PriceField, src.PriceField)
	str(&pr.SizeField, src.SizeField)
	str(&pr.TimeField, src.TimeField)
	dict(&pr.Sides, src.Sides)
	pr.InvertSide = pr.InvertSide || src.InvertSide
}

// check: перекрёстные проверки, которые не выразить тегами.
func (f FeedConfig) check() error {
	u, err := url.Parse(f.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if !f.Protocol.SubscribeDisabled && len(f.Products) == 0 {
		return fmt.Errorf("products must contain at least one entry when subscribing")
	}
	if f.Reconnect.BackoffCap < f.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect.backoff_cap (%v) < reconnect.backoff_base (%v)",
			f.Reconnect.BackoffCap, f.Reconnect.BackoffBase)
	}
	if _, err := f.kinds(); err != nil {
		return err
	}
	if _, err := f.sides(); err != nil {
		return err
	}
	return nil
}

func (f FeedConfig) kinds() (map[string]model.Kind, error) {
	out := make(map[string]model.Kind, len(f.Protocol.Kinds))
	for value, name := range f.Protocol.Kinds {
		k, err := model.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("protocol.kinds[%s]: %w", value, err)
		}
		out[strings.ToLower(value)] = k
	}
	return out, nil
}

func (f FeedConfig) sides() (map[string]model.Side, error) {
	if len(f.Protocol.Sides) == 0 {
		return normalizer.DefaultSides(), nil
	}
	out := make(map[string]model.Side, len(f.Protocol.Sides))
	for value, name := range f.Protocol.Sides {
		var s model.Side
		if err := s.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("protocol.sides[%s]: %w", value, err)
		}
		out[strings.ToLower(value)] = s
	}
	return out, nil
}

/*
   --------------------------------------------------------------------------
   Конфиги компонентов
   --------------------------------------------------------------------------
*/

func (f FeedConfig) ClassifierConfig() classifier.Config {
	kinds, _ := f.kinds()
	return classifier.Config{
		Feed:               f.Name,
		DiscriminatorField: f.Protocol.Discriminator,
		Kinds:              kinds,
		EventsField:        f.Protocol.EventsField,
		EventTypeField:     f.Protocol.EventTypeField,
		EventTradeValue:    f.Protocol.EventTradeValue,
		ErrorMessageFields: f.Protocol.ErrorFields,
	}
}

func (f FeedConfig) NormalizerConfig() normalizer.Config {
	sides, _ := f.sides()
	return normalizer.Config{
		Feed:          f.Name,
		SymbolField:   f.Protocol.SymbolField,
		SideField:     f.Protocol.SideField,
		PriceField:    f.Protocol.PriceField,
		SizeField:     f.Protocol.SizeField,
		TimeField:     f.Protocol.TimeField,
		DefaultSymbol: f.Symbol,
		Sides:         sides,
		InvertSide:    f.Protocol.InvertSide,
	}
}

func (f FeedConfig) SubscribeFormat() feed.SubscribeFormat {
	return feed.SubscribeFormat{
		Disabled:      f.Protocol.SubscribeDisabled,
		TypeField:     f.Protocol.TypeField,
		TypeValue:     f.Protocol.TypeValue,
		ProductsField: f.Protocol.ProductsField,
		ChannelsField: f.Protocol.ChannelsField,
		IDField:       f.Protocol.IDField,
	}
}

func (f FeedConfig) TransportConfig() transport.Config {
	return transport.Config{
		HandshakeTimeout: f.HandshakeTimeout,
		ReadTimeout:      f.ReadTimeout,
		WriteTimeout:     f.WriteTimeout,
		ReadLimit:        f.ReadLimit,
	}
}

// ReconnectBackoff переводит политику переподключения в backoff.Config.
func (f FeedConfig) ReconnectBackoff() backoff.Config {
	jitter := f.Reconnect.Jitter == nil || *f.Reconnect.Jitter
	return backoff.Config{
		InitialInterval: f.Reconnect.BackoffBase,
		MaxInterval:     f.Reconnect.BackoffCap,
		Multiplier:      f.Reconnect.Multiplier,
		MaxRetries:      f.Reconnect.MaxRetries,
		DisableJitter:   !jitter,
	}
}

func (f FeedConfig) ConnectionConfig() feed.Config {
	return feed.Config{
		Name:      f.Name,
		Endpoint:  f.Endpoint,
		Reconnect: f.ReconnectBackoff(),
	}
}

// Capacities собирает переопределения ёмкости sink по ключам потоков.
func (c *Config) Capacities() map[string]int {
	out := map[string]int{}
	for _, f := range c.Feeds {
		if f.RetentionCapacity == nil {
			continue
		}
		if f.Symbol != "" {
			out[model.StreamKey(f.Name, f.Symbol)] = *f.RetentionCapacity
		}
		for _, p := range f.Products {
			out[model.StreamKey(f.Name, p)] = *f.RetentionCapacity
		}
	}
	return out
}
