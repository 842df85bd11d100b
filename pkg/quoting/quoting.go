// Package quoting implements the Avellaneda-Stoikov market making model with
// an order book imbalance skew.
//
// All functions are pure. Time arguments are in seconds from session start.
package quoting

import (
	"errors"
	"math"
)

var ErrInvalidParams = errors.New("invalid quoting parameters")

// Params are the model coefficients.
type Params struct {
	Gamma   float64 // risk aversion
	Sigma   float64 // volatility per sqrt(second)
	Horizon float64 // session length T in seconds
	K       float64 // order arrival intensity decay
	// SkewWeight scales the OBI skew as a fraction of the half spread.
	SkewWeight float64
}

// DefaultParams returns a conservative parameter set.
func DefaultParams() Params {
	return Params{
		Gamma:      0.1,
		Sigma:      0.02,
		Horizon:    3600,
		K:          1.5,
		SkewWeight: 0.5,
	}
}

// Validate checks that the half spread is defined.
func (p Params) Validate() error {
	switch {
	case !(p.K > 0):
		return errors.Join(ErrInvalidParams, errors.New("k must be positive"))
	case p.Gamma < 0:
		return errors.Join(ErrInvalidParams, errors.New("gamma must not be negative"))
	case p.Sigma < 0:
		return errors.Join(ErrInvalidParams, errors.New("sigma must not be negative"))
	case p.Horizon < 0:
		return errors.Join(ErrInvalidParams, errors.New("horizon must not be negative"))
	}
	return nil
}

// ReservationPrice is s - q*gamma*sigma^2*(T-t). After the horizon it is the
// mid itself.
func ReservationPrice(s, t, q, gamma, sigma, horizon float64) float64 {
	tau := horizon - t
	if tau <= 0 {
		return s
	}
	return s - q*gamma*sigma*sigma*tau
}

// OptimalHalfSpread is (1/k)*ln(1+gamma/k).
func OptimalHalfSpread(gamma, k float64) float64 {
	return (1 / k) * math.Log1p(gamma/k)
}

// Imbalance is (bid-ask)/(bid+ask) in [-1, 1], 0 for an empty book.
func Imbalance(bidVolume, askVolume float64) float64 {
	total := bidVolume + askVolume
	if total == 0 {
		return 0
	}
	return (bidVolume - askVolume) / total
}

// Quote is a two-sided price pair.
type Quote struct {
	Bid         float64
	Ask         float64
	Reservation float64
	HalfSpread  float64
	Skew        float64
}

// Quotes centers a symmetric spread on the reservation price and shifts both
// sides by obi*SkewWeight*half. A positive imbalance moves the quotes up.
// The width stays 2*half: this is a shift, not the widening variant
// bid = r-half-skew, ask = r+half+skew, which opens the spread on both sides
// instead of leaning it toward the flow.
func (p Params) Quotes(s, t, q, obi float64) Quote {
	r := ReservationPrice(s, t, q, p.Gamma, p.Sigma, p.Horizon)
	half := OptimalHalfSpread(p.Gamma, p.K)
	skew := clamp(obi, -1, 1) * p.SkewWeight * half
	return Quote{
		Bid:         r - half + skew,
		Ask:         r + half + skew,
		Reservation: r,
		HalfSpread:  half,
		Skew:        skew,
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// OBISignal is an exponentially smoothed imbalance.
type OBISignal struct {
	alpha float64
	ema   float64
}

// NewOBISignal returns a signal with smoothing factor alpha in (0, 1].
// Values outside that range fall back to 0.1.
func NewOBISignal(alpha float64) *OBISignal {
	if !(alpha > 0) || alpha > 1 {
		alpha = 0.1
	}
	return &OBISignal{alpha: alpha}
}

// Update folds one observation in and returns the smoothed value.
func (s *OBISignal) Update(bidVolume, askVolume float64) float64 {
	raw := Imbalance(bidVolume, askVolume)
	s.ema = s.alpha*raw + (1-s.alpha)*s.ema
	return s.ema
}

// Value is the current smoothed imbalance.
func (s *OBISignal) Value() float64 { return s.ema }

// Reset zeroes the signal.
func (s *OBISignal) Reset() { s.ema = 0 }
