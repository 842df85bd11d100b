package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/marketdata"
)

// BarSource yields bars in time order and io.EOF at the end.
type BarSource interface {
	Next() (marketdata.Bar, error)
}

// Runner replays bars through an engine, feeding candles and the strategy.
type Runner struct {
	engine  *backtest.Engine
	maker   *MarketMaker
	candles *marketdata.CandleBuilder
	lock    sync.Locker
	logger  log.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMarketMaker quotes after every bar.
func WithMarketMaker(m *MarketMaker) RunnerOption {
	return func(r *Runner) { r.maker = m }
}

// WithCandles aggregates the tape's trades.
func WithCandles(c *marketdata.CandleBuilder) RunnerOption {
	return func(r *Runner) { r.candles = c }
}

// WithLock holds l while each bar is applied, so readers sharing l see
// whole bars.
func WithLock(l sync.Locker) RunnerOption {
	return func(r *Runner) { r.lock = l }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l log.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner binds a runner to an engine.
func NewRunner(engine *backtest.Engine, opts ...RunnerOption) *Runner {
	r := &Runner{engine: engine}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.Root().New("module", "runner")
	}
	if r.lock == nil {
		r.lock = noLock{}
	}
	return r
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// Run replays src until it is exhausted or ctx is done and returns the
// number of bars processed.
func (r *Runner) Run(ctx context.Context, src BarSource) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		bar, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("bar %d: %w", n, err)
		}
		if err := r.step(bar); err != nil {
			return n, fmt.Errorf("bar %d at %d: %w", n, bar.TimeNs, err)
		}
		n++
	}
	if r.candles != nil {
		r.candles.Flush()
	}
	r.lock.Lock()
	rep := r.engine.Report()
	r.lock.Unlock()
	r.logger.Info("Replay finished", "bars", n, "fills", rep.Fills,
		"inventory", rep.Inventory, "pnl", rep.PnL, "equity", rep.Equity)
	return n, nil
}

func (r *Runner) step(bar marketdata.Bar) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.engine.RunBar(bar.TimeNs, bar.Mid, bar.Trades); err != nil {
		return err
	}
	if r.candles != nil {
		r.candles.AddBar(bar)
	}
	if r.maker != nil {
		return r.maker.OnBar(r.engine, bar)
	}
	return nil
}
