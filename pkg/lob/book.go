// Package lob implements a limit order book that tracks queue position.
//
// Orders rest in FIFO queues per quantized price. External trade prints
// consume a level from the front, so an order only fills once the volume
// ahead of it has traded through. The book never matches orders against
// each other; it is a single-writer structure owned by one backtest.
package lob

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/luxfi/hftsim/pkg/types"
)

var (
	ErrInvalidQuantity = errors.New("order quantity must be positive")
	ErrInvalidTickSize = errors.New("tick size must be positive")
	ErrDuplicateOrder  = errors.New("order id already resting")
)

type locator struct {
	side  types.Side
	ticks int64
}

// bookSide keeps levels by tick index plus a sorted slice of the active ticks.
type bookSide struct {
	side   types.Side
	levels map[int64]*PriceLevel
	ticks  []int64 // ascending
}

func newBookSide(side types.Side) *bookSide {
	return &bookSide{side: side, levels: make(map[int64]*PriceLevel)}
}

func (s *bookSide) upsert(ticks int64, price float64) *PriceLevel {
	if lvl, ok := s.levels[ticks]; ok {
		return lvl
	}
	lvl := newPriceLevel(ticks, price)
	s.levels[ticks] = lvl
	i := sort.Search(len(s.ticks), func(i int) bool { return s.ticks[i] >= ticks })
	s.ticks = append(s.ticks, 0)
	copy(s.ticks[i+1:], s.ticks[i:])
	s.ticks[i] = ticks
	return lvl
}

func (s *bookSide) delete(ticks int64) {
	if _, ok := s.levels[ticks]; !ok {
		return
	}
	delete(s.levels, ticks)
	i := sort.Search(len(s.ticks), func(i int) bool { return s.ticks[i] >= ticks })
	if i < len(s.ticks) && s.ticks[i] == ticks {
		s.ticks = append(s.ticks[:i], s.ticks[i+1:]...)
	}
}

// best returns the highest bid or the lowest ask.
func (s *bookSide) best() *PriceLevel {
	if len(s.ticks) == 0 {
		return nil
	}
	if s.side == types.Bid {
		return s.levels[s.ticks[len(s.ticks)-1]]
	}
	return s.levels[s.ticks[0]]
}

// walk visits levels best first.
func (s *bookSide) walk(fn func(*PriceLevel) bool) {
	n := len(s.ticks)
	for i := 0; i < n; i++ {
		idx := i
		if s.side == types.Bid {
			idx = n - 1 - i
		}
		if !fn(s.levels[s.ticks[idx]]) {
			return
		}
	}
}

// Book is the queue-position order book for both sides of one instrument.
type Book struct {
	tick     decimal.Decimal
	tickSize float64

	bids  *bookSide
	asks  *bookSide
	index map[uint64]locator
}

// New creates an empty book quantizing prices to tickSize.
func New(tickSize float64) (*Book, error) {
	if !(tickSize > 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTickSize, tickSize)
	}
	return &Book{
		tick:     decimal.NewFromFloat(tickSize),
		tickSize: tickSize,
		bids:     newBookSide(types.Bid),
		asks:     newBookSide(types.Ask),
		index:    make(map[uint64]locator),
	}, nil
}

// TickSize returns the configured tick size.
func (b *Book) TickSize() float64 { return b.tickSize }

// Ticks converts a price to its tick index, rounding half away from zero.
func (b *Book) Ticks(price float64) int64 {
	return decimal.NewFromFloat(price).Div(b.tick).Round(0).IntPart()
}

// PriceOf converts a tick index back to a price.
func (b *Book) PriceOf(ticks int64) float64 {
	f, _ := decimal.NewFromInt(ticks).Mul(b.tick).Float64()
	return f
}

// Quantize rounds price to the nearest tick.
func (b *Book) Quantize(price float64) float64 {
	return b.PriceOf(b.Ticks(price))
}

func (b *Book) sideOf(side types.Side) *bookSide {
	if side == types.Bid {
		return b.bids
	}
	return b.asks
}

// AddOrder appends an order to the back of its price level and returns the
// order as inserted, including its queue position snapshot.
func (b *Book) AddOrder(id uint64, price, qty float64, side types.Side) (Order, error) {
	if !(qty > 0) {
		return Order{}, fmt.Errorf("%w: order %d qty %v", ErrInvalidQuantity, id, qty)
	}
	if !side.Valid() {
		return Order{}, fmt.Errorf("order %d: %w", id, types.ErrInvalidSide)
	}
	if _, exists := b.index[id]; exists {
		return Order{}, fmt.Errorf("%w: %d", ErrDuplicateOrder, id)
	}

	ticks := b.Ticks(price)
	lvl := b.sideOf(side).upsert(ticks, b.PriceOf(ticks))

	o := &Order{
		ID:              id,
		Price:           lvl.Price,
		Qty:             qty,
		Side:            side,
		QueuePosition:   lvl.Count(),
		CumulativeAhead: lvl.TotalQty(),
	}
	lvl.enqueue(o)
	b.index[id] = locator{side: side, ticks: ticks}
	return o.view(), nil
}

// CancelOrder removes a resting order. Unknown ids return false and leave the
// book untouched.
func (b *Book) CancelOrder(id uint64) bool {
	loc, ok := b.index[id]
	if !ok {
		return false
	}
	bs := b.sideOf(loc.side)
	lvl, ok := bs.levels[loc.ticks]
	if !ok {
		delete(b.index, id)
		return false
	}
	var target *Order
	for o := lvl.head; o != nil; o = o.next {
		if o.ID == id {
			target = o
			break
		}
	}
	if target == nil {
		delete(b.index, id)
		return false
	}
	lvl.unlink(target)
	if lvl.Empty() {
		bs.delete(loc.ticks)
	}
	delete(b.index, id)
	return true
}

// TradeAtLevel applies an external print of qty at price against the resting
// orders on side, front of queue first. It returns the resulting matches in
// queue order; a price with no level yields nil.
func (b *Book) TradeAtLevel(price float64, side types.Side, qty float64) []Match {
	if !(qty > 0) {
		return nil
	}
	bs := b.sideOf(side)
	ticks := b.Ticks(price)
	lvl, ok := bs.levels[ticks]
	if !ok {
		return nil
	}
	matches := lvl.consume(qty, func(o *Order) {
		delete(b.index, o.ID)
	})
	if lvl.Empty() {
		bs.delete(ticks)
	}
	return matches
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (float64, bool) {
	if lvl := b.bids.best(); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (float64, bool) {
	if lvl := b.asks.best(); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// Mid is the average of best bid and best ask; false if either side is empty.
func (b *Book) Mid() (float64, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return 0, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Order returns the current state of a resting order.
func (b *Book) Order(id uint64) (Order, bool) {
	loc, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	lvl, ok := b.sideOf(loc.side).levels[loc.ticks]
	if !ok {
		return Order{}, false
	}
	for o := lvl.head; o != nil; o = o.next {
		if o.ID == id {
			return o.view(), true
		}
	}
	return Order{}, false
}

// VolumeAheadOf is the live volume queued ahead of a resting order.
func (b *Book) VolumeAheadOf(id uint64) (float64, bool) {
	loc, ok := b.index[id]
	if !ok {
		return 0, false
	}
	lvl, ok := b.sideOf(loc.side).levels[loc.ticks]
	if !ok {
		return 0, false
	}
	return lvl.volumeAhead(id)
}

// Contains reports whether id is resting.
func (b *Book) Contains(id uint64) bool {
	_, ok := b.index[id]
	return ok
}

// Len is the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// LevelCount is the number of price levels on a side.
func (b *Book) LevelCount(side types.Side) int {
	return len(b.sideOf(side).levels)
}

// TotalVolume sums the resting volume on a side.
func (b *Book) TotalVolume(side types.Side) float64 {
	var v float64
	b.sideOf(side).walk(func(l *PriceLevel) bool {
		v += l.TotalQty()
		return true
	})
	return v
}

// DepthLevel is an aggregated view of one price level.
type DepthLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Count  int     `json:"count"`
}

// Depth returns up to n levels of a side, best first. n <= 0 returns all.
func (b *Book) Depth(side types.Side, n int) []DepthLevel {
	out := make([]DepthLevel, 0)
	b.sideOf(side).walk(func(l *PriceLevel) bool {
		out = append(out, DepthLevel{Price: l.Price, Volume: l.TotalQty(), Count: l.Count()})
		return n <= 0 || len(out) < n
	})
	return out
}

// LevelSnapshot is the ordered content of one price level.
type LevelSnapshot struct {
	Price  float64 `json:"price"`
	Orders []Order `json:"orders"`
}

// Snapshot is the full book content, bids best first then asks best first.
type Snapshot struct {
	Bids []LevelSnapshot `json:"bids"`
	Asks []LevelSnapshot `json:"asks"`
}

// Snapshot copies the book content.
func (b *Book) Snapshot() Snapshot {
	collect := func(s *bookSide) []LevelSnapshot {
		out := make([]LevelSnapshot, 0, len(s.levels))
		s.walk(func(l *PriceLevel) bool {
			out = append(out, LevelSnapshot{Price: l.Price, Orders: l.orders()})
			return true
		})
		return out
	}
	return Snapshot{Bids: collect(b.bids), Asks: collect(b.asks)}
}
