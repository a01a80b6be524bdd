// internal/config/presets.go
package config

import "strings"

const (
	PresetCoinbase = "coinbase"
	PresetGemini   = "gemini"
)

// Preset возвращает профиль протокола биржи по имени.
func Preset(name string) (FeedConfig, bool) {
	switch strings.ToLower(name) {
	case PresetCoinbase:
		return coinbasePreset(), true
	case PresetGemini:
		return geminiPreset(), true
	default:
		return FeedConfig{}, false
	}
}

// Coinbase Exchange (бывший GDAX): канал matches + heartbeat.
func coinbasePreset() FeedConfig {
	return FeedConfig{
		Endpoint: "wss://ws-feed.exchange.coinbase.com",
		Products: []string{"BTC-USD"},
		Channels: []string{"matches", "heartbeat"},
		Protocol: ProtocolConfig{
			Discriminator: "type",
			Kinds: map[string]string{
				"match":         "trade",
				"heartbeat":     "heartbeat",
				"subscriptions": "subscription_ack",
				"error":         "error",
			},
			ErrorFields: []string{"message", "reason"},

			TypeField:     "type",
			TypeValue:     "subscribe",
			ProductsField: "product_ids",
			ChannelsField: "channels",

			SymbolField: "product_id",
			SideField:   "side",
			PriceField:  "price",
			SizeField:   "size",
			TimeField:   "time",
		},
	}
}

// Gemini market data v1: отдельный URL на символ, подписка не нужна,
// сделки вложены в events[] фрейма "update".
func geminiPreset() FeedConfig {
	return FeedConfig{
		Endpoint: "wss://api.gemini.com/v1/marketdata/btcusd?trades=true&heartbeat=true",
		Symbol:   "BTCUSD",
		Protocol: ProtocolConfig{
			Discriminator: "type",
			Kinds: map[string]string{
				"update":    "trade",
				"heartbeat": "heartbeat",
			},
			EventsField:     "events",
			EventTypeField:  "type",
			EventTradeValue: "trade",
			ErrorFields:     []string{"reason", "message"},

			SubscribeDisabled: true,

			SideField:  "makerSide",
			PriceField: "price",
			SizeField:  "amount",
			TimeField:  "timestampms",
		},
	}
}
