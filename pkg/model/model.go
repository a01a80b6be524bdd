// Package model holds the value types shared by the ingestion pipeline:
// frames as they come off the wire, classified events, and the canonical
// TradeEvent handed to consumers.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawMessage is one text frame received from an exchange.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClassifiedEvent is a decoded frame tagged with its Kind.
//
// Fields holds the decoded top-level object. Items is set when the
// exchange nests several trades into one frame (Gemini "update" events):
// each item is normalized on its own, with Fields as the envelope.
type ClassifiedEvent struct {
	Kind   Kind
	Type   string
	Fields map[string]any
	Items  []map[string]any
	Raw    RawMessage
}

// TradeEvent is the exchange-independent record of one executed trade.
type TradeEvent struct {
	Feed      string          `json:"feed"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

// StreamKey identifies the RecentWindow a trade belongs to.
func (t TradeEvent) StreamKey() string {
	return StreamKey(t.Feed, t.Symbol)
}

// StreamKey builds "<feed>:<symbol>".
func StreamKey(feed, symbol string) string {
	return feed + ":" + symbol
}

// SplitStreamKey is the inverse of StreamKey.
func SplitStreamKey(key string) (feed, symbol string, ok bool) {
	feed, symbol, ok = strings.Cut(key, ":")
	return feed, symbol, ok && feed != "" && symbol != ""
}
