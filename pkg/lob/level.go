package lob

import "github.com/luxfi/hftsim/pkg/types"

// Order is a resting order. QueuePosition and CumulativeAhead are captured at
// insertion and never recomputed; priority comes from the level's queue order.
type Order struct {
	ID              uint64     `json:"id"`
	Price           float64    `json:"price"`
	Qty             float64    `json:"qty"`
	Side            types.Side `json:"side"`
	QueuePosition   int        `json:"queuePosition"`
	CumulativeAhead float64    `json:"cumulativeAhead"`

	next *Order
	prev *Order
}

// Match is one order's share of a trade-through.
type Match struct {
	OrderID uint64  `json:"orderId"`
	Qty     float64 `json:"qty"`
}

// PriceLevel is the FIFO queue of orders resting at one quantized price.
type PriceLevel struct {
	Price float64
	Ticks int64

	head     *Order
	tail     *Order
	totalQty float64
	count    int
}

func newPriceLevel(ticks int64, price float64) *PriceLevel {
	return &PriceLevel{Price: price, Ticks: ticks}
}

// TotalQty is the resting volume at the level.
func (l *PriceLevel) TotalQty() float64 { return l.totalQty }

// Count is the number of orders queued at the level.
func (l *PriceLevel) Count() int { return l.count }

// Empty reports whether the level has no orders.
func (l *PriceLevel) Empty() bool { return l.head == nil }

func (l *PriceLevel) enqueue(o *Order) {
	if l.head == nil {
		l.head = o
		l.tail = o
	} else {
		l.tail.next = o
		o.prev = l.tail
		l.tail = o
	}
	l.totalQty += o.Qty
	l.count++
}

func (l *PriceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.next, o.prev = nil, nil
	l.count--
	l.recount()
}

// recount sums the level front to back, the same order volumeAhead walks, so
// a new order's CumulativeAhead matches the live queue exactly.
func (l *PriceLevel) recount() {
	var v float64
	for o := l.head; o != nil; o = o.next {
		v += o.Qty
	}
	l.totalQty = v
}

// consume fills the queue front to back until qty is exhausted. A partially
// filled front order keeps its place.
func (l *PriceLevel) consume(qty float64, done func(*Order)) []Match {
	var matches []Match
	remaining := qty
	for remaining > 0 && l.head != nil {
		o := l.head
		fill := min(o.Qty, remaining)
		matches = append(matches, Match{OrderID: o.ID, Qty: fill})
		remaining -= fill
		o.Qty -= fill
		if o.Qty > 0 {
			l.recount()
			break
		}
		l.unlink(o)
		done(o)
	}
	return matches
}

func (l *PriceLevel) volumeAhead(id uint64) (float64, bool) {
	var v float64
	for o := l.head; o != nil; o = o.next {
		if o.ID == id {
			return v, true
		}
		v += o.Qty
	}
	return v, false
}

func (l *PriceLevel) orders() []Order {
	out := make([]Order, 0, l.count)
	for o := l.head; o != nil; o = o.next {
		out = append(out, o.view())
	}
	return out
}

func (o *Order) view() Order {
	return Order{
		ID:              o.ID,
		Price:           o.Price,
		Qty:             o.Qty,
		Side:            o.Side,
		QueuePosition:   o.QueuePosition,
		CumulativeAhead: o.CumulativeAhead,
	}
}
