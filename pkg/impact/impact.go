// Package impact prices fills with a square-root market impact law plus a
// fixed half-spread cost.
package impact

import (
	"math"

	"github.com/luxfi/hftsim/pkg/types"
)

// Params are the impact coefficients.
type Params struct {
	Eta       float64 // impact coefficient
	RefVolume float64 // reference (daily) volume, same units as qty
	SpreadBps float64 // full quoted spread in basis points
}

// SquareRoot returns eta*sqrt(qty/refVolume), positive for a sell (Ask) and
// negative for a buy (Bid). Degenerate inputs return 0.
func SquareRoot(qty float64, side types.Side, eta, refVolume float64) float64 {
	if qty <= 0 || refVolume <= 0 {
		return 0
	}
	v := eta * math.Sqrt(qty/refVolume)
	if side == types.Ask {
		return v
	}
	return -v
}

// HalfSpread is mid * spreadBps / 10000 / 2.
func HalfSpread(mid, spreadBps float64) float64 {
	return mid * (spreadBps / 10000.0) / 2
}

// ExecutionPrice returns the fill price and the signed impact. A buy pays
// mid + half spread + |impact|, a sell receives mid - half spread - |impact|.
func ExecutionPrice(mid, qty float64, side types.Side, eta, refVolume, spreadBps float64) (float64, float64) {
	imp := SquareRoot(qty, side, eta, refVolume)
	half := HalfSpread(mid, spreadBps)
	if side == types.Bid {
		return mid + half + math.Abs(imp), imp
	}
	return mid - half - math.Abs(imp), imp
}

// Price applies ExecutionPrice with p.
func (p Params) Price(mid, qty float64, side types.Side) (float64, float64) {
	return ExecutionPrice(mid, qty, side, p.Eta, p.RefVolume, p.SpreadBps)
}

// Cost is the signed slippage versus mid paid by the trade: positive means
// the fill was worse than mid.
func (p Params) Cost(mid, qty float64, side types.Side) float64 {
	px, _ := p.Price(mid, qty, side)
	if side == types.Bid {
		return (px - mid) * qty
	}
	return (mid - px) * qty
}
