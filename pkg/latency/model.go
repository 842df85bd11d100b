// Package latency models tick-to-trade delay: the time between a strategy's
// decision and its order reaching the venue.
package latency

import (
	"errors"
	"math"
	"time"
)

// ErrNilSource is returned for a random model without a random source.
var ErrNilSource = errors.New("latency: random source is required when std > 0")

// Source supplies normally distributed draws. *math/rand/v2.Rand satisfies it.
type Source interface {
	NormFloat64() float64
}

// Model samples signal-to-wire latency in microseconds.
//
// With StdUs <= 0 the delay is the fixed mean, floored at zero. Otherwise the
// delay is drawn from N(MeanUs, StdUs) and a negative draw is truncated to
// zero rather than resampled. That truncation shifts the effective mean up
// relative to a true left-truncated distribution; it is kept as is.
type Model struct {
	MeanUs float64
	StdUs  float64

	src Source
}

// NewModel binds a latency model to a random source. src may be nil only for
// zero-variance models.
func NewModel(meanUs, stdUs float64, src Source) (*Model, error) {
	if stdUs > 0 && src == nil {
		return nil, ErrNilSource
	}
	return &Model{MeanUs: meanUs, StdUs: stdUs, src: src}, nil
}

// Deterministic reports whether samples ignore the random source.
func (m *Model) Deterministic() bool {
	return m.StdUs <= 0
}

// SampleUs draws one latency in microseconds.
func (m *Model) SampleUs() float64 {
	if m.Deterministic() {
		return math.Max(0, m.MeanUs)
	}
	x := m.MeanUs + m.StdUs*m.src.NormFloat64()
	return math.Max(0, x)
}

// Sample draws one latency, truncated to whole nanoseconds.
func (m *Model) Sample() time.Duration {
	return time.Duration(m.SampleUs() * float64(time.Microsecond))
}
