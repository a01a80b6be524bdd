package model

import (
	"fmt"
	"strings"
)

// Kind is the classification tag of an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrade
	KindHeartbeat
	KindSubscriptionAck
	KindError
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindTrade:           "trade",
	KindHeartbeat:       "heartbeat",
	KindSubscriptionAck: "subscription_ack",
	KindError:           "error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind accepts the names produced by String.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == norm {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("model: unknown kind %q", s)
}

// Side is the canonical aggressor side of a trade.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite flips Buy and Sell.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "buy":
		*s = SideBuy
	case "sell":
		*s = SideSell
	default:
		return fmt.Errorf("model: invalid side %q", b)
	}
	return nil
}
