// Package backtest sequences market events through the tick-to-trade delay
// and the queue-position book and keeps inventory and PnL.
//
// An Engine is single-threaded: one replay loop drives it forward in
// simulated time and no method may run concurrently with another. Given the
// same random source seed, events and parameters, a run reproduces the same
// fills and PnL bit for bit.
package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/impact"
	"github.com/luxfi/hftsim/pkg/latency"
	"github.com/luxfi/hftsim/pkg/lob"
	"github.com/luxfi/hftsim/pkg/metrics"
	"github.com/luxfi/hftsim/pkg/types"
)

var (
	ErrTimeReversal = errors.New("simulated time moved backwards")
	ErrNilSource    = errors.New("random source is required")
)

// FillObserver is called synchronously after each fill is applied to state.
type FillObserver func(types.Fill)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFillObserver registers a fill callback. Observers run in registration
// order.
func WithFillObserver(fn FillObserver) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// Engine is the only mutator of its State.
type Engine struct {
	cfg     Config
	book    *lob.Book
	model   *latency.Model
	t2t     *latency.TickToTrade
	impact  impact.Params
	state   State
	started bool
	seq     uint64

	logger    log.Logger
	metrics   *metrics.Metrics
	observers []FillObserver
}

// New builds an engine. src drives latency sampling and must be supplied
// even for zero-variance latency so that runs are reproducible by
// construction.
func New(cfg Config, src latency.Source, opts ...Option) (*Engine, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	book, err := lob.New(cfg.TickSize)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	model, err := latency.NewModel(cfg.LatencyMeanUs, cfg.LatencyStdUs, src)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	e := &Engine{
		cfg:    cfg,
		book:   book,
		model:  model,
		t2t:    latency.NewTickToTrade(model),
		impact: cfg.ImpactParams(),
		state:  State{Fills: make([]types.Fill, 0)},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Root().New("module", "backtest")
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// advance moves simulated time forward. Earlier timestamps are rejected.
func (e *Engine) advance(timeNs int64) error {
	if e.started && timeNs < e.state.TimeNs {
		return fmt.Errorf("%w: %d < %d", ErrTimeReversal, timeNs, e.state.TimeNs)
	}
	e.started = true
	e.state.TimeNs = timeNs
	return nil
}

// SetMid advances time and records the observed mid.
func (e *Engine) SetMid(timeNs int64, mid float64) error {
	if err := e.advance(timeNs); err != nil {
		return err
	}
	e.state.Mid = mid
	e.state.HasMid = true
	return nil
}

// SubmitOrder hands an order to the latency layer at the current time.
func (e *Engine) SubmitOrder(id uint64, price, qty float64, side types.Side) error {
	if !(qty > 0) {
		e.reject(id, "non-positive quantity")
		return fmt.Errorf("%w: order %d qty %v", lob.ErrInvalidQuantity, id, qty)
	}
	if !side.Valid() {
		e.reject(id, "invalid side")
		return fmt.Errorf("order %d: %w", id, types.ErrInvalidSide)
	}
	if e.book.Contains(id) {
		e.reject(id, "id resting")
		return fmt.Errorf("%w: %d", lob.ErrDuplicateOrder, id)
	}
	p, err := e.t2t.Submit(e.state.TimeNs, latency.OrderRequest{ID: id, Price: price, Qty: qty, Side: side})
	if err != nil {
		e.reject(id, "id pending")
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordSubmit(time.Duration(p.ReleaseNs - p.SubmitNs))
		e.metrics.SetPending(e.t2t.Len())
	}
	e.logger.Debug("Order submitted", "id", id, "side", side, "price", price, "qty", qty, "release", p.ReleaseNs)
	return nil
}

func (e *Engine) reject(id uint64, reason string) {
	e.logger.Warn("Order rejected", "id", id, "reason", reason)
	if e.metrics != nil {
		e.metrics.RecordReject()
	}
}

// StepLatency inserts every order whose delay has elapsed into the book.
// Orders the book refuses are skipped and reported together.
func (e *Engine) StepLatency() error {
	released := e.t2t.ReleaseReady(e.state.TimeNs)
	var errs []error
	inserted := 0
	for _, r := range released {
		o, err := e.book.AddOrder(r.ID, r.Price, r.Qty, r.Side)
		if err != nil {
			e.reject(r.ID, err.Error())
			errs = append(errs, err)
			continue
		}
		inserted++
		e.logger.Debug("Order released",
			"id", o.ID, "side", o.Side, "price", o.Price,
			"queuePosition", o.QueuePosition, "ahead", o.CumulativeAhead)
	}
	if e.metrics != nil {
		e.metrics.RecordRelease(inserted)
		e.metrics.SetPending(e.t2t.Len())
		e.publishDepth()
	}
	return errors.Join(errs...)
}

// InjectTrade advances time and applies an external print against the book.
// aggressor is the side that initiated the trade; it consumes the opposite
// resting side. The raw matches are returned and state is not touched.
func (e *Engine) InjectTrade(timeNs int64, price, qty float64, aggressor types.Side) ([]lob.Match, error) {
	if !aggressor.Valid() {
		return nil, fmt.Errorf("trade at %d: %w", timeNs, types.ErrInvalidSide)
	}
	if err := e.advance(timeNs); err != nil {
		return nil, err
	}
	return e.book.TradeAtLevel(price, aggressor.Opposite(), qty), nil
}

// ExecuteFill records a fill of our order at the current time. side is the
// side of our order: a bid fill buys, an ask fill sells.
func (e *Engine) ExecuteFill(orderID uint64, qty, price float64, side types.Side) types.Fill {
	e.seq++
	f := types.Fill{
		Seq:     e.seq,
		OrderID: orderID,
		Price:   price,
		Qty:     qty,
		Side:    side,
		TimeNs:  e.state.TimeNs,
	}
	e.state.Fills = append(e.state.Fills, f)
	if side == types.Bid {
		e.state.Inventory += qty
		e.state.PnL -= price * qty
	} else {
		e.state.Inventory -= qty
		e.state.PnL += price * qty
	}

	e.logger.Debug("Fill", "order", orderID, "side", side, "price", price, "qty", qty,
		"inventory", e.state.Inventory, "pnl", e.state.PnL)
	if e.metrics != nil {
		e.metrics.RecordFill(f)
		e.metrics.SetPosition(e.state.Inventory, e.state.PnL)
	}
	for _, fn := range e.observers {
		fn(f)
	}
	return f
}

// RunBar processes one step: record mid, release due orders, then apply the
// trades in the order given, each followed by its fills.
func (e *Engine) RunBar(timeNs int64, mid float64, trades []types.Trade) error {
	if err := e.SetMid(timeNs, mid); err != nil {
		return err
	}
	if err := e.StepLatency(); err != nil {
		e.logger.Warn("Released orders rejected by book", "time", timeNs, "error", err)
	}
	for _, tr := range trades {
		matches, err := e.InjectTrade(timeNs, tr.Price, tr.Qty, tr.Side)
		if err != nil {
			return err
		}
		resting := tr.Side.Opposite()
		for _, m := range matches {
			e.ExecuteFill(m.OrderID, m.Qty, e.fillPrice(tr.Price, m.Qty, resting), resting)
		}
	}
	if e.metrics != nil {
		e.metrics.RecordBar()
		e.publishDepth()
	}
	return nil
}

func (e *Engine) fillPrice(tradePrice, qty float64, side types.Side) float64 {
	if !e.cfg.ApplyImpact || !e.state.HasMid {
		return tradePrice
	}
	px, _ := e.impact.Price(e.state.Mid, qty, side)
	return px
}

// CancelOrder withdraws an order still in flight or cancels it in the book.
func (e *Engine) CancelOrder(id uint64) bool {
	ok := e.t2t.Cancel(id) || e.book.CancelOrder(id)
	if ok {
		e.logger.Debug("Order canceled", "id", id)
		if e.metrics != nil {
			e.metrics.RecordCancel()
			e.metrics.SetPending(e.t2t.Len())
			e.publishDepth()
		}
	}
	return ok
}

func (e *Engine) publishDepth() {
	e.metrics.SetDepth(types.Bid, e.book.TotalVolume(types.Bid))
	e.metrics.SetDepth(types.Ask, e.book.TotalVolume(types.Ask))
}

// IsLive reports whether id is pending or resting.
func (e *Engine) IsLive(id uint64) bool {
	return e.t2t.IsPending(id) || e.book.Contains(id)
}

// IsPending reports whether id is still delayed by latency.
func (e *Engine) IsPending(id uint64) bool { return e.t2t.IsPending(id) }

// Order returns a resting order.
func (e *Engine) Order(id uint64) (lob.Order, bool) { return e.book.Order(id) }

// VolumeAheadOf is the live volume queued ahead of a resting order.
func (e *Engine) VolumeAheadOf(id uint64) (float64, bool) { return e.book.VolumeAheadOf(id) }

// Depth returns up to n aggregated levels of a side.
func (e *Engine) Depth(side types.Side, n int) []lob.DepthLevel { return e.book.Depth(side, n) }

// BookVolume is the resting volume on a side.
func (e *Engine) BookVolume(side types.Side) float64 { return e.book.TotalVolume(side) }

// BookSnapshot copies the book content.
func (e *Engine) BookSnapshot() lob.Snapshot { return e.book.Snapshot() }

// Quantize rounds a price to the book tick.
func (e *Engine) Quantize(price float64) float64 { return e.book.Quantize(price) }

// Pending is the number of orders in flight.
func (e *Engine) Pending() int { return e.t2t.Len() }

// TimeNs is the current simulated time.
func (e *Engine) TimeNs() int64 { return e.state.TimeNs }

// Inventory is the signed position.
func (e *Engine) Inventory() float64 { return e.state.Inventory }

// State returns a detached copy of the run state.
func (e *Engine) State() State { return e.state.clone() }

// Fills returns the fills from offset, at most limit of them (limit <= 0 for
// all remaining).
func (e *Engine) Fills(offset, limit int) []types.Fill {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(e.state.Fills) {
		return []types.Fill{}
	}
	end := len(e.state.Fills)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]types.Fill, end-offset)
	copy(out, e.state.Fills[offset:end])
	return out
}

// Report summarizes the run so far. Equity marks at the last observed mid.
func (e *Engine) Report() Report {
	r := Report{
		TimeNs:       e.state.TimeNs,
		Mid:          e.state.Mid,
		HasMid:       e.state.HasMid,
		Fills:        len(e.state.Fills),
		Inventory:    e.state.Inventory,
		PnL:          e.state.PnL,
		Pending:      e.t2t.Len(),
		RestingCount: e.book.Len(),
	}
	for _, f := range e.state.Fills {
		if f.Side == types.Bid {
			r.BoughtQty += f.Qty
		} else {
			r.SoldQty += f.Qty
		}
	}
	r.Equity = e.state.PnL
	if e.state.HasMid {
		r.Equity = e.state.Equity(e.state.Mid)
	}
	return r
}
