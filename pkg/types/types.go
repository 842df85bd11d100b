// Package types holds the value types shared by the book, the latency layer
// and the backtest engine.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Side is the side of an order or a trade print.
type Side int8

const (
	Bid Side = iota
	Ask
)

// ErrInvalidSide is returned when a side string cannot be parsed.
var ErrInvalidSide = errors.New("invalid side")

// String returns "bid" or "ask"
func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", int8(s))
	}
}

// Opposite returns the contra side. A sell aggressor hits resting bids.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Valid reports whether s is Bid or Ask.
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// ParseSide accepts bid/ask and the buy/sell aliases, case-insensitive.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "bid", "buy", "b":
		return Bid, nil
	case "ask", "sell", "s", "offer":
		return Ask, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, int8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Fill is an execution of one of our orders. Fills are append-only.
type Fill struct {
	Seq     uint64  `json:"seq"`
	OrderID uint64  `json:"orderId"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	Side    Side    `json:"side"`
	TimeNs  int64   `json:"timeNs"`
}

// Notional is price times quantity.
func (f Fill) Notional() float64 {
	return f.Price * f.Qty
}

// SignedQty is +qty for a bid fill and -qty for an ask fill.
func (f Fill) SignedQty() float64 {
	if f.Side == Bid {
		return f.Qty
	}
	return -f.Qty
}

// Trade is an external print from the tape. Side is the aggressor side.
type Trade struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
	Side  Side    `json:"side"`
}
