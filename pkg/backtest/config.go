package backtest

import (
	"github.com/luxfi/hftsim/pkg/impact"
)

// Config holds the engine parameters.
type Config struct {
	TickSize      float64
	LatencyMeanUs float64
	LatencyStdUs  float64
	ImpactEta     float64
	ImpactV       float64
	SpreadBps     float64

	// ApplyImpact prices fills from mid through the impact model instead of
	// at the trade print.
	ApplyImpact bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickSize:      0.01,
		LatencyMeanUs: 50,
		LatencyStdUs:  10,
		ImpactEta:     0.1,
		ImpactV:       1e6,
		SpreadBps:     5,
	}
}

// ImpactParams returns the impact model coefficients.
func (c Config) ImpactParams() impact.Params {
	return impact.Params{Eta: c.ImpactEta, RefVolume: c.ImpactV, SpreadBps: c.SpreadBps}
}
