// Package strategy drives a backtest engine bar by bar with an
// Avellaneda-Stoikov market maker.
package strategy

import (
	"fmt"
	"math"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/marketdata"
	"github.com/luxfi/hftsim/pkg/quoting"
	"github.com/luxfi/hftsim/pkg/risk"
	"github.com/luxfi/hftsim/pkg/types"
)

// Engine is the part of the backtest engine a strategy may touch.
type Engine interface {
	SubmitOrder(id uint64, price, qty float64, side types.Side) error
	CancelOrder(id uint64) bool
	IsLive(id uint64) bool
	Inventory() float64
	Quantize(price float64) float64
}

// Volatility estimates per-candle log return volatility from completed
// candles. *marketdata.CandleBuilder satisfies it.
type Volatility interface {
	Interval() marketdata.Interval
	RealizedVolatility(periods int) float64
}

// Params configure the market maker.
type Params struct {
	Quoting quoting.Params
	// OBIAlpha smooths the trade flow imbalance fed into the quote skew.
	OBIAlpha float64
	OrderQty float64
	// MaxInventory stops quoting the side that would grow |inventory| past
	// it. Zero disables the limit.
	MaxInventory float64
}

// Quote records what the maker sent on one bar.
type Quote struct {
	TimeNs int64
	BidID  uint64
	AskID  uint64
	Bid    float64
	Ask    float64
	OBI    float64
	Sigma  float64
}

// MarketMaker keeps at most one bid and one ask working. Every bar it
// cancels both and requotes around the reservation price.
type MarketMaker struct {
	params Params
	risk   *risk.PreTrade
	obi    *quoting.OBISignal
	logger log.Logger

	vol       Volatility
	volWindow int

	nextID  uint64
	bidID   uint64
	askID   uint64
	startNs int64
	started bool

	quotes   uint64
	rejected uint64
	last     Quote
}

// NewMarketMaker creates a maker. pre may be nil to skip pre-trade checks.
func NewMarketMaker(params Params, pre *risk.PreTrade, logger log.Logger) (*MarketMaker, error) {
	if err := params.Quoting.Validate(); err != nil {
		return nil, err
	}
	if !(params.OrderQty > 0) {
		return nil, fmt.Errorf("order qty %v must be positive", params.OrderQty)
	}
	if logger == nil {
		logger = log.Root().New("module", "strategy")
	}
	return &MarketMaker{
		params: params,
		risk:   pre,
		obi:    quoting.NewOBISignal(params.OBIAlpha),
		logger: logger,
	}, nil
}

// UseCandleVolatility replaces the configured sigma with the realized
// volatility of the last window candles once enough have completed. The
// per-candle log return stdev is scaled to price units per sqrt(second) at
// the bar mid.
func (m *MarketMaker) UseCandleVolatility(v Volatility, window int) {
	m.vol = v
	m.volWindow = window
}

// sigma is the volatility quoted with at mid.
func (m *MarketMaker) sigma(mid float64) float64 {
	if m.vol == nil {
		return m.params.Quoting.Sigma
	}
	secs := m.vol.Interval().Duration().Seconds()
	rv := m.vol.RealizedVolatility(m.volWindow)
	if !(rv > 0) || !(secs > 0) {
		return m.params.Quoting.Sigma
	}
	return rv * mid / math.Sqrt(secs)
}

// OnBar requotes after the engine has processed bar.
func (m *MarketMaker) OnBar(e Engine, bar marketdata.Bar) error {
	if !m.started {
		m.started = true
		m.startNs = bar.TimeNs
	}

	var buyVol, sellVol float64
	for _, tr := range bar.Trades {
		if tr.Side == types.Bid {
			buyVol += tr.Qty
		} else {
			sellVol += tr.Qty
		}
	}
	obi := m.obi.Value()
	if buyVol+sellVol > 0 {
		obi = m.obi.Update(buyVol, sellVol)
	}

	m.cancel(e, &m.bidID)
	m.cancel(e, &m.askID)

	inv := e.Inventory()
	t := float64(bar.TimeNs-m.startNs) / 1e9
	qp := m.params.Quoting
	qp.Sigma = m.sigma(bar.Mid)
	q := qp.Quotes(bar.Mid, t, inv, obi)
	bidPx := e.Quantize(q.Bid)
	askPx := e.Quantize(q.Ask)
	if !(askPx > bidPx) || bidPx <= 0 || math.IsNaN(bidPx) || math.IsNaN(askPx) {
		m.logger.Debug("Skipping crossed quote", "time", bar.TimeNs, "bid", bidPx, "ask", askPx)
		return nil
	}

	quote := Quote{TimeNs: bar.TimeNs, Bid: bidPx, Ask: askPx, OBI: obi, Sigma: qp.Sigma}
	limit := m.params.MaxInventory
	if limit <= 0 || inv < limit {
		id, err := m.send(e, bidPx, types.Bid)
		if err != nil {
			return err
		}
		m.bidID, quote.BidID = id, id
	}
	if limit <= 0 || inv > -limit {
		id, err := m.send(e, askPx, types.Ask)
		if err != nil {
			return err
		}
		m.askID, quote.AskID = id, id
	}
	m.quotes++
	m.last = quote
	return nil
}

func (m *MarketMaker) cancel(e Engine, id *uint64) {
	if *id != 0 && e.IsLive(*id) {
		e.CancelOrder(*id)
	}
	*id = 0
}

// send returns the id used, or 0 when risk refused the order.
func (m *MarketMaker) send(e Engine, price float64, side types.Side) (uint64, error) {
	qty := m.params.OrderQty
	if m.risk != nil {
		if err := m.risk.Check(price, qty, side); err != nil {
			m.rejected++
			m.logger.Debug("Quote blocked by risk", "side", side, "price", price, "qty", qty, "error", err)
			return 0, nil
		}
	}
	m.nextID++
	id := m.nextID
	if err := e.SubmitOrder(id, price, qty, side); err != nil {
		return 0, fmt.Errorf("submit %s quote %d: %w", side, id, err)
	}
	return id, nil
}

// Stats reports quoting activity.
func (m *MarketMaker) Stats() map[string]interface{} {
	return map[string]interface{}{
		"quotes":   m.quotes,
		"rejected": m.rejected,
		"orders":   m.nextID,
		"obi":      m.obi.Value(),
		"sigma":    m.last.Sigma,
	}
}

// LastQuote returns the most recent two-sided quote.
func (m *MarketMaker) LastQuote() Quote { return m.last }
