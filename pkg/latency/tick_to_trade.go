package latency

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/luxfi/hftsim/pkg/types"
)

// ErrDuplicatePending is returned when an order id is already in flight.
var ErrDuplicatePending = errors.New("order id already pending")

// OrderRequest is the payload a strategy submits.
type OrderRequest struct {
	ID    uint64     `json:"id"`
	Price float64    `json:"price"`
	Qty   float64    `json:"qty"`
	Side  types.Side `json:"side"`
}

// Pending is an order in flight to the venue.
type Pending struct {
	Order     OrderRequest
	SubmitNs  int64
	ReleaseNs int64

	seq   uint64
	index int
}

// pendingHeap orders by release time, then submission sequence.
type pendingHeap []*Pending

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].ReleaseNs != h[j].ReleaseNs {
		return h[i].ReleaseNs < h[j].ReleaseNs
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x interface{}) {
	p := x.(*Pending)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// TickToTrade holds submitted orders until simulated time reaches their
// release stamp. Each order is released exactly once.
type TickToTrade struct {
	model   *Model
	pending pendingHeap
	byID    map[uint64]*Pending
	seq     uint64
}

// NewTickToTrade creates an empty pending set driven by model.
func NewTickToTrade(model *Model) *TickToTrade {
	return &TickToTrade{
		model: model,
		byID:  make(map[uint64]*Pending),
	}
}

// Submit stamps the order with nowNs plus a sampled delay and holds it.
func (t *TickToTrade) Submit(nowNs int64, order OrderRequest) (Pending, error) {
	if _, ok := t.byID[order.ID]; ok {
		return Pending{}, fmt.Errorf("%w: %d", ErrDuplicatePending, order.ID)
	}
	t.seq++
	p := &Pending{
		Order:     order,
		SubmitNs:  nowNs,
		ReleaseNs: nowNs + int64(t.model.Sample()),
		seq:       t.seq,
	}
	heap.Push(&t.pending, p)
	t.byID[order.ID] = p
	return *p, nil
}

// ReleaseReady removes and returns every order with ReleaseNs <= nowNs, in
// release order.
func (t *TickToTrade) ReleaseReady(nowNs int64) []OrderRequest {
	var out []OrderRequest
	for len(t.pending) > 0 && t.pending[0].ReleaseNs <= nowNs {
		p := heap.Pop(&t.pending).(*Pending)
		delete(t.byID, p.Order.ID)
		out = append(out, p.Order)
	}
	return out
}

// Cancel withdraws an order that has not been released yet.
func (t *TickToTrade) Cancel(id uint64) bool {
	p, ok := t.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&t.pending, p.index)
	delete(t.byID, id)
	return true
}

// IsPending reports whether id is still in flight.
func (t *TickToTrade) IsPending(id uint64) bool {
	_, ok := t.byID[id]
	return ok
}

// Len is the number of orders in flight.
func (t *TickToTrade) Len() int { return len(t.pending) }

// NextRelease returns the earliest release stamp.
func (t *TickToTrade) NextRelease() (int64, bool) {
	if len(t.pending) == 0 {
		return 0, false
	}
	return t.pending[0].ReleaseNs, true
}
