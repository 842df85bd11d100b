package quoting

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReservationPrice(t *testing.T) {
	tests := []struct {
		name string
		s, t float64
		q    float64
		want float64
	}{
		{"flat inventory", 100, 0, 0, 100},
		{"long skews down", 100, 0, 10, 100 - 10*0.1*0.02*0.02*3600},
		{"short skews up", 100, 0, -10, 100 + 10*0.1*0.02*0.02*3600},
		{"half session", 100, 1800, 10, 100 - 10*0.1*0.02*0.02*1800},
		{"past horizon", 100, 3600, 10, 100},
		{"beyond horizon", 100, 4000, 10, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReservationPrice(tt.s, tt.t, tt.q, 0.1, 0.02, 3600)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestOptimalHalfSpread(t *testing.T) {
	assert.InDelta(t, (1/1.5)*math.Log(1+0.1/1.5), OptimalHalfSpread(0.1, 1.5), 1e-12)
	assert.Equal(t, 0.0, OptimalHalfSpread(0, 1.5))
}

func TestImbalance(t *testing.T) {
	assert.Equal(t, 0.0, Imbalance(0, 0))
	assert.Equal(t, 1.0, Imbalance(10, 0))
	assert.Equal(t, -1.0, Imbalance(0, 10))
	assert.InDelta(t, 0.5, Imbalance(30, 10), 1e-12)
}

func TestQuotesBracketMid(t *testing.T) {
	p := DefaultParams()
	q := p.Quotes(100, 0, 0, 0)

	assert.Less(t, q.Bid, 100.0)
	assert.Greater(t, q.Ask, 100.0)
	assert.Less(t, q.Bid, q.Ask)
	assert.InDelta(t, 2*q.HalfSpread, q.Ask-q.Bid, 1e-12)
	assert.Equal(t, 0.0, q.Skew)
}

func TestQuotesSkewShiftsBothSides(t *testing.T) {
	p := DefaultParams()
	flat := p.Quotes(100, 0, 0, 0)
	up := p.Quotes(100, 0, 0, 1)
	down := p.Quotes(100, 0, 0, -1)

	assert.Greater(t, up.Bid, flat.Bid)
	assert.Greater(t, up.Ask, flat.Ask)
	assert.Less(t, down.Bid, flat.Bid)
	assert.InDelta(t, 0.5*flat.HalfSpread, up.Skew, 1e-12)
	assert.InDelta(t, flat.Ask-flat.Bid, up.Ask-up.Bid, 1e-12, "width is preserved")
	assert.InDelta(t, flat.Ask-flat.Bid, down.Ask-down.Bid, 1e-12, "width is preserved")

	clamped := p.Quotes(100, 0, 0, 7)
	assert.Equal(t, up, clamped)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.K = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = DefaultParams()
	p.Gamma = -1
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
}

func TestOBISignal(t *testing.T) {
	s := NewOBISignal(0.5)
	assert.Equal(t, 0.0, s.Value())

	assert.InDelta(t, 0.5, s.Update(10, 0), 1e-12)
	assert.InDelta(t, 0.75, s.Update(10, 0), 1e-12)
	assert.InDelta(t, -0.125, s.Update(0, 10), 1e-12)

	s.Reset()
	assert.Equal(t, 0.0, s.Value())

	assert.InDelta(t, 0.1, NewOBISignal(0).Update(1, 0), 1e-12)
}

func TestOBISignalStaysInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewOBISignal(rapid.Float64Range(0.01, 1).Draw(t, "alpha"))
		n := rapid.IntRange(1, 50).Draw(t, "n")
		for i := 0; i < n; i++ {
			bid := rapid.Float64Range(0, 1000).Draw(t, "bid")
			ask := rapid.Float64Range(0, 1000).Draw(t, "ask")
			v := s.Update(bid, ask)
			if v < -1-1e-9 || v > 1+1e-9 {
				t.Fatalf("ema %v out of range", v)
			}
		}
	})
}
