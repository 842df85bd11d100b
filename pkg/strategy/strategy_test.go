package strategy

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/marketdata"
	"github.com/luxfi/hftsim/pkg/quoting"
	"github.com/luxfi/hftsim/pkg/risk"
	"github.com/luxfi/hftsim/pkg/types"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("info")
	return log.NewTestLogger(level)
}

type submitted struct {
	id    uint64
	price float64
	qty   float64
	side  types.Side
}

type fakeEngine struct {
	inventory float64
	live      map[uint64]bool
	submits   []submitted
	cancels   []uint64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{live: make(map[uint64]bool)}
}

func (f *fakeEngine) SubmitOrder(id uint64, price, qty float64, side types.Side) error {
	f.submits = append(f.submits, submitted{id, price, qty, side})
	f.live[id] = true
	return nil
}

func (f *fakeEngine) CancelOrder(id uint64) bool {
	f.cancels = append(f.cancels, id)
	ok := f.live[id]
	delete(f.live, id)
	return ok
}

func (f *fakeEngine) IsLive(id uint64) bool      { return f.live[id] }
func (f *fakeEngine) Inventory() float64         { return f.inventory }
func (f *fakeEngine) Quantize(p float64) float64 { return math.Round(p*100) / 100 }

func defaultParams() Params {
	return Params{
		Quoting:      quoting.DefaultParams(),
		OBIAlpha:     0.1,
		OrderQty:     10,
		MaxInventory: 20,
	}
}

func TestNewMarketMakerValidates(t *testing.T) {
	p := defaultParams()
	p.OrderQty = 0
	_, err := NewMarketMaker(p, nil, testLogger())
	assert.Error(t, err)

	p = defaultParams()
	p.Quoting.K = 0
	_, err = NewMarketMaker(p, nil, testLogger())
	assert.ErrorIs(t, err, quoting.ErrInvalidParams)
}

func TestMarketMakerQuotesBothSides(t *testing.T) {
	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	e := newFakeEngine()

	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 0, Mid: 100}))
	require.Len(t, e.submits, 2)
	assert.Equal(t, submitted{1, 99.96, 10, types.Bid}, e.submits[0])
	assert.Equal(t, submitted{2, 100.04, 10, types.Ask}, e.submits[1])

	q := m.LastQuote()
	assert.Equal(t, uint64(1), q.BidID)
	assert.Equal(t, uint64(2), q.AskID)

	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 1000, Mid: 100}))
	assert.Equal(t, []uint64{1, 2}, e.cancels)
	require.Len(t, e.submits, 4)
	assert.Equal(t, uint64(3), e.submits[2].id)
}

func TestMarketMakerSkipsCancelOfFilledQuote(t *testing.T) {
	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	e := newFakeEngine()

	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 0, Mid: 100}))
	delete(e.live, 1)
	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 1, Mid: 100}))
	assert.Equal(t, []uint64{2}, e.cancels)
}

func TestMarketMakerInventoryLimit(t *testing.T) {
	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)

	long := newFakeEngine()
	long.inventory = 20
	require.NoError(t, m.OnBar(long, marketdata.Bar{TimeNs: 0, Mid: 100}))
	require.Len(t, long.submits, 1)
	assert.Equal(t, types.Ask, long.submits[0].side)
	assert.Less(t, long.submits[0].price, 100.04, "long inventory lowers the reservation price")

	short := newFakeEngine()
	short.inventory = -20
	require.NoError(t, m.OnBar(short, marketdata.Bar{TimeNs: 1, Mid: 100}))
	require.Len(t, short.submits, 1)
	assert.Equal(t, types.Bid, short.submits[0].side)
}

func TestMarketMakerRespectsRisk(t *testing.T) {
	pre := risk.NewPreTrade(risk.Limits{MaxOrderQty: 100})
	pre.Kill()
	m, err := NewMarketMaker(defaultParams(), pre, testLogger())
	require.NoError(t, err)
	e := newFakeEngine()

	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 0, Mid: 100}))
	assert.Empty(t, e.submits)
	assert.Equal(t, uint64(2), m.Stats()["rejected"])

	pre.ResetKill()
	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 1, Mid: 100}))
	assert.Len(t, e.submits, 2)
}

func TestMarketMakerTracksFlowImbalance(t *testing.T) {
	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	e := newFakeEngine()

	bar := marketdata.Bar{TimeNs: 0, Mid: 100, Trades: []types.Trade{{Price: 100.01, Qty: 5, Side: types.Bid}}}
	require.NoError(t, m.OnBar(e, bar))
	assert.InDelta(t, 0.1, m.LastQuote().OBI, 1e-12)

	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 1, Mid: 100}))
	assert.InDelta(t, 0.1, m.LastQuote().OBI, 1e-12, "quiet bar keeps the signal")
}

type fixedVol struct {
	rv       float64
	interval marketdata.Interval
}

func (v fixedVol) Interval() marketdata.Interval          { return v.interval }
func (v fixedVol) RealizedVolatility(periods int) float64 { return v.rv }

func TestMarketMakerSigmaFromCandles(t *testing.T) {
	base, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	e := newFakeEngine()
	e.inventory = 5
	require.NoError(t, base.OnBar(e, marketdata.Bar{TimeNs: 0, Mid: 100}))
	assert.Equal(t, 0.02, base.LastQuote().Sigma)

	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	m.UseCandleVolatility(fixedVol{rv: 0.001, interval: marketdata.Interval1s}, 20)
	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 0, Mid: 100}))
	assert.InDelta(t, 0.1, m.LastQuote().Sigma, 1e-12)
	assert.Less(t, m.LastQuote().Bid, base.LastQuote().Bid, "higher sigma skews a long book down")

	// Too few candles falls back to the configured sigma.
	m.UseCandleVolatility(fixedVol{interval: marketdata.Interval1s}, 20)
	require.NoError(t, m.OnBar(e, marketdata.Bar{TimeNs: 1, Mid: 100}))
	assert.Equal(t, 0.02, m.LastQuote().Sigma)
}

func TestMarketMakerSigmaFromCandleBuilder(t *testing.T) {
	cb := marketdata.NewCandleBuilder(marketdata.Interval5s)
	for i, px := range []float64{100, 101, 100, 102, 100} {
		cb.AddTrade(int64(i)*5e9, types.Trade{Price: px, Qty: 1, Side: types.Bid})
	}
	rv := cb.RealizedVolatility(20)
	require.Greater(t, rv, 0.0)

	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	m.UseCandleVolatility(cb, 20)
	require.NoError(t, m.OnBar(newFakeEngine(), marketdata.Bar{TimeNs: 25e9, Mid: 100}))
	assert.InDelta(t, rv*100/math.Sqrt(5), m.LastQuote().Sigma, 1e-12)
	assert.Equal(t, m.LastQuote().Sigma, m.Stats()["sigma"])
}

func newEngine(t *testing.T) *backtest.Engine {
	t.Helper()
	cfg := backtest.DefaultConfig()
	cfg.LatencyMeanUs = 0
	cfg.LatencyStdUs = 0
	e, err := backtest.New(cfg, rand.New(rand.NewPCG(1, 1)), backtest.WithLogger(testLogger()))
	require.NoError(t, err)
	return e
}

func TestRunnerReplaysThroughEngine(t *testing.T) {
	engine := newEngine(t)
	m, err := NewMarketMaker(defaultParams(), nil, testLogger())
	require.NoError(t, err)
	candles := marketdata.NewCandleBuilder(marketdata.Interval1s)

	r := NewRunner(engine, WithMarketMaker(m), WithCandles(candles), WithRunnerLogger(testLogger()))
	n, err := r.Run(context.Background(), marketdata.NewBarSlice([]marketdata.Bar{
		{TimeNs: 0, Mid: 100},
		{TimeNs: 1000, Mid: 100, Trades: []types.Trade{{Price: 99.96, Qty: 5, Side: types.Ask}}},
		{TimeNs: 2000, Mid: 100},
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rep := engine.Report()
	assert.Equal(t, 1, rep.Fills)
	assert.Equal(t, 5.0, rep.Inventory)
	assert.InDelta(t, -5*99.96, rep.PnL, 1e-9)
	assert.Equal(t, 0, rep.RestingCount, "previous quotes canceled")
	assert.Equal(t, 2, rep.Pending, "fresh quotes in flight")
	assert.Len(t, candles.Candles(0), 1)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := NewRunner(newEngine(t)).Run(ctx, marketdata.NewBarSlice([]marketdata.Bar{{TimeNs: 0, Mid: 1}}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}

func TestRunnerSurfacesTimeReversal(t *testing.T) {
	n, err := NewRunner(newEngine(t)).Run(context.Background(), marketdata.NewBarSlice([]marketdata.Bar{
		{TimeNs: 10, Mid: 1},
		{TimeNs: 5, Mid: 1},
	}))
	assert.ErrorIs(t, err, backtest.ErrTimeReversal)
	assert.Equal(t, 1, n)
}

type countingLock struct {
	locks, unlocks int
}

func (l *countingLock) Lock()   { l.locks++ }
func (l *countingLock) Unlock() { l.unlocks++ }

func TestRunnerHoldsLockPerBar(t *testing.T) {
	l := &countingLock{}
	n, err := NewRunner(newEngine(t), WithLock(l)).Run(context.Background(), marketdata.NewBarSlice([]marketdata.Bar{
		{TimeNs: 0, Mid: 1},
		{TimeNs: 1, Mid: 1},
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, l.locks, "two bars and the final report")
	assert.Equal(t, l.locks, l.unlocks)
}
