// Package risk implements pre-trade checks: a fat-finger size limit, a gross
// notional cap over filled volume, and a kill switch.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/luxfi/hftsim/pkg/types"
)

var (
	ErrKilled        = errors.New("kill switch engaged")
	ErrOrderTooLarge = errors.New("order quantity outside limits")
	ErrNotionalLimit = errors.New("notional limit exceeded")
)

// Limits bound what a strategy may send. A zero limit disables that check.
type Limits struct {
	MaxOrderQty float64 `yaml:"max_order_qty" json:"maxOrderQty"`
	MaxNotional float64 `yaml:"max_notional" json:"maxNotional"`
}

// PreTrade tracks filled notional against Limits. The kill switch may be
// flipped from any goroutine.
type PreTrade struct {
	limits Limits
	maxQty decimal.Decimal
	maxNot decimal.Decimal

	mu       sync.RWMutex
	notional decimal.Decimal

	killed atomic.Bool
}

// NewPreTrade creates a checker.
func NewPreTrade(limits Limits) *PreTrade {
	return &PreTrade{
		limits:   limits,
		maxQty:   decimal.NewFromFloat(limits.MaxOrderQty),
		maxNot:   decimal.NewFromFloat(limits.MaxNotional),
		notional: decimal.Zero,
	}
}

// Limits returns the configured limits.
func (r *PreTrade) Limits() Limits { return r.limits }

// Check returns nil if an order may be sent.
func (r *PreTrade) Check(price, qty float64, side types.Side) error {
	if r.killed.Load() {
		return ErrKilled
	}
	if !side.Valid() {
		return types.ErrInvalidSide
	}
	q := decimal.NewFromFloat(qty)
	if !q.IsPositive() || (r.limits.MaxOrderQty > 0 && q.GreaterThan(r.maxQty)) {
		return fmt.Errorf("%w: qty %v max %v", ErrOrderTooLarge, qty, r.limits.MaxOrderQty)
	}
	if r.limits.MaxNotional <= 0 {
		return nil
	}
	n := decimal.NewFromFloat(price).Mul(q).Abs()

	r.mu.RLock()
	total := r.notional.Add(n)
	r.mu.RUnlock()

	if total.GreaterThan(r.maxNot) {
		return fmt.Errorf("%w: %s > %v", ErrNotionalLimit, total.StringFixed(2), r.limits.MaxNotional)
	}
	return nil
}

// AddFill accumulates the absolute notional of a fill.
func (r *PreTrade) AddFill(price, qty float64) {
	n := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty)).Abs()
	r.mu.Lock()
	r.notional = r.notional.Add(n)
	r.mu.Unlock()
}

// OnFill adapts AddFill to a fill callback.
func (r *PreTrade) OnFill(f types.Fill) { r.AddFill(f.Price, f.Qty) }

// Notional is the gross filled notional so far.
func (r *PreTrade) Notional() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notional
}

// Kill blocks every subsequent order until ResetKill.
func (r *PreTrade) Kill() { r.killed.Store(true) }

// Killed reports the kill switch state.
func (r *PreTrade) Killed() bool { return r.killed.Load() }

// ResetKill releases the kill switch.
func (r *PreTrade) ResetKill() { r.killed.Store(false) }

// ResetNotional zeroes the filled notional.
func (r *PreTrade) ResetNotional() {
	r.mu.Lock()
	r.notional = decimal.Zero
	r.mu.Unlock()
}
