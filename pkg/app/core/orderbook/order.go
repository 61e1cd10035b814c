package orderbook

import (
	"fmt"
	"strings"
)

type Side int8

const (
	Bid Side = 1
	Ask Side = -1
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of s trades against.
func (s Side) Opposite() Side { return -s }

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	side, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide accepts "bid"/"ask" and the "buy"/"sell" aliases.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	default:
		return 0, fmt.Errorf("unknown side %q", v)
	}
}

// Kind discriminates the order variants.
type Kind int8

const (
	Limit Kind = iota + 1
	Market
	Stop
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "limit":
		*k = Limit
	case "market":
		*k = Market
	case "stop":
		*k = Stop
	default:
		return fmt.Errorf("unknown order kind %q", string(b))
	}
	return nil
}

// Order is one resting or executing instruction. Price is the limit price for
// Limit orders, the trigger price for Stop orders and unused for Market orders.
type Order struct {
	ID        int64
	Kind      Kind
	Side      Side
	Qty       int64
	Price     int64
	Timestamp uint64 // insertion sequence, strictly increasing per accepted order
	Owner     string

	key  priorityKey // frozen at insertion
	slot int         // position in its heap, -1 when not queued
}

// priorityKey is the immutable (price, timestamp) tuple the queues order by.
type priorityKey struct {
	price int64
	ts    uint64
}
