// Package config loads backtest parameters from YAML over documented
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/marketdata"
	"github.com/luxfi/hftsim/pkg/quoting"
	"github.com/luxfi/hftsim/pkg/risk"
	"github.com/luxfi/hftsim/pkg/strategy"
)

var ErrInvalid = errors.New("invalid config")

// Config is the full run configuration. Top-level keys match the engine
// parameter names.
type Config struct {
	TickSize      float64 `yaml:"tick_size"`
	LatencyMeanUs float64 `yaml:"latency_mean_us"`
	LatencyStdUs  float64 `yaml:"latency_std_us"`
	ImpactEta     float64 `yaml:"impact_eta"`
	ImpactV       float64 `yaml:"impact_V"`
	SpreadBps     float64 `yaml:"spread_bps"`
	Seed          uint64  `yaml:"seed"`
	ApplyImpact   bool    `yaml:"apply_impact"`
	LogLevel      string  `yaml:"log_level"`

	Strategy Strategy    `yaml:"strategy"`
	Risk     risk.Limits `yaml:"risk"`
	Output   Output      `yaml:"output"`
}

// Strategy configures the market maker.
type Strategy struct {
	Enabled      bool    `yaml:"enabled"`
	Gamma        float64 `yaml:"gamma"`
	Sigma        float64 `yaml:"sigma"`
	HorizonS     float64 `yaml:"horizon_s"`
	K            float64 `yaml:"k"`
	SkewWeight   float64 `yaml:"skew_weight"`
	OBIAlpha     float64 `yaml:"obi_alpha"`
	OrderQty     float64 `yaml:"order_qty"`
	MaxInventory float64 `yaml:"max_inventory"`

	// SigmaFromCandles quotes with the realized volatility of the last
	// VolWindow candles instead of Sigma once enough candles have completed.
	SigmaFromCandles bool `yaml:"sigma_from_candles"`
	VolWindow        int  `yaml:"vol_window"`
}

// Output configures where results go. Empty values disable a sink.
type Output struct {
	JournalDir     string `yaml:"journal_dir"`
	NATSURL        string `yaml:"nats_url"`
	NATSSubject    string `yaml:"nats_subject"`
	MetricsAddr    string `yaml:"metrics_addr"`
	ServeAddr      string `yaml:"serve_addr"`
	CandleInterval string `yaml:"candle_interval"`
}

// Default returns the documented defaults.
func Default() Config {
	bt := backtest.DefaultConfig()
	qp := quoting.DefaultParams()
	return Config{
		TickSize:      bt.TickSize,
		LatencyMeanUs: bt.LatencyMeanUs,
		LatencyStdUs:  bt.LatencyStdUs,
		ImpactEta:     bt.ImpactEta,
		ImpactV:       bt.ImpactV,
		SpreadBps:     bt.SpreadBps,
		Seed:          42,
		LogLevel:      "info",
		Strategy: Strategy{
			Enabled:      true,
			Gamma:        qp.Gamma,
			Sigma:        qp.Sigma,
			HorizonS:     qp.Horizon,
			K:            qp.K,
			SkewWeight:   qp.SkewWeight,
			OBIAlpha:     0.1,
			OrderQty:     10,
			MaxInventory: 100,
			VolWindow:    20,
		},
		Risk: risk.Limits{
			MaxOrderQty: 10_000,
			MaxNotional: 1_000_000,
		},
		Output: Output{
			NATSSubject:    "hftsim",
			CandleInterval: string(marketdata.Interval1s),
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document omits, and
// validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate rejects parameters the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if !(c.TickSize > 0) {
		errs = append(errs, fmt.Errorf("tick_size %v must be positive", c.TickSize))
	}
	if c.LatencyMeanUs < 0 {
		errs = append(errs, fmt.Errorf("latency_mean_us %v must not be negative", c.LatencyMeanUs))
	}
	if c.LatencyStdUs < 0 {
		errs = append(errs, fmt.Errorf("latency_std_us %v must not be negative", c.LatencyStdUs))
	}
	if c.ImpactV < 0 {
		errs = append(errs, fmt.Errorf("impact_V %v must not be negative", c.ImpactV))
	}
	if c.SpreadBps < 0 {
		errs = append(errs, fmt.Errorf("spread_bps %v must not be negative", c.SpreadBps))
	}
	if c.Risk.MaxOrderQty < 0 || c.Risk.MaxNotional < 0 {
		errs = append(errs, errors.New("risk limits must not be negative"))
	}
	if c.Strategy.Enabled {
		if err := c.Quoting().Validate(); err != nil {
			errs = append(errs, err)
		}
		if !(c.Strategy.OrderQty > 0) {
			errs = append(errs, fmt.Errorf("strategy.order_qty %v must be positive", c.Strategy.OrderQty))
		}
		if c.Strategy.SigmaFromCandles && c.Strategy.VolWindow < 2 {
			errs = append(errs, fmt.Errorf("strategy.vol_window %d must be at least 2", c.Strategy.VolWindow))
		}
	}
	if c.Output.CandleInterval != "" {
		if _, err := marketdata.ParseInterval(c.Output.CandleInterval); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Backtest returns the engine parameters.
func (c Config) Backtest() backtest.Config {
	return backtest.Config{
		TickSize:      c.TickSize,
		LatencyMeanUs: c.LatencyMeanUs,
		LatencyStdUs:  c.LatencyStdUs,
		ImpactEta:     c.ImpactEta,
		ImpactV:       c.ImpactV,
		SpreadBps:     c.SpreadBps,
		ApplyImpact:   c.ApplyImpact,
	}
}

// Quoting returns the Avellaneda-Stoikov parameters.
func (c Config) Quoting() quoting.Params {
	return quoting.Params{
		Gamma:      c.Strategy.Gamma,
		Sigma:      c.Strategy.Sigma,
		Horizon:    c.Strategy.HorizonS,
		K:          c.Strategy.K,
		SkewWeight: c.Strategy.SkewWeight,
	}
}

// MarketMaker returns the strategy parameters.
func (c Config) MarketMaker() strategy.Params {
	return strategy.Params{
		Quoting:      c.Quoting(),
		OBIAlpha:     c.Strategy.OBIAlpha,
		OrderQty:     c.Strategy.OrderQty,
		MaxInventory: c.Strategy.MaxInventory,
	}
}

// Interval returns the candle interval, defaulting to one second.
func (c Config) Interval() marketdata.Interval {
	i, err := marketdata.ParseInterval(c.Output.CandleInterval)
	if err != nil {
		return marketdata.Interval1s
	}
	return i
}
