// Package marketdata turns a tape of market events into replay bars and
// aggregates trade prints into OHLCV candles on simulated time.
package marketdata

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/tape"
	"github.com/luxfi/hftsim/pkg/types"
)

// EventSource yields tape events in time order and io.EOF at the end.
type EventSource interface {
	Next() (tape.Event, error)
}

// Bar is one replay step: everything that happened at one timestamp.
type Bar struct {
	TimeNs int64         `json:"timeNs"`
	Mid    float64       `json:"mid"`
	Trades []types.Trade `json:"trades"`
}

// Aggregator groups tape events by timestamp. The mid of a bar is the last
// mid seen at or before its timestamp; bars before the first mid are dropped.
type Aggregator struct {
	src    EventSource
	logger log.Logger

	peek    tape.Event
	hasPeek bool
	done    bool

	mid    float64
	hasMid bool

	bars    uint64
	events  uint64
	dropped uint64
}

// NewAggregator reads events from src.
func NewAggregator(src EventSource, logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Root().New("module", "marketdata")
	}
	return &Aggregator{src: src, logger: logger}
}

func (a *Aggregator) read() (tape.Event, error) {
	if a.hasPeek {
		a.hasPeek = false
		return a.peek, nil
	}
	if a.done {
		return tape.Event{}, io.EOF
	}
	ev, err := a.src.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			a.done = true
		}
		return tape.Event{}, err
	}
	a.events++
	return ev, nil
}

func (a *Aggregator) unread(ev tape.Event) {
	a.peek = ev
	a.hasPeek = true
}

// Next returns the next bar or io.EOF.
func (a *Aggregator) Next() (Bar, error) {
	for {
		first, err := a.read()
		if err != nil {
			return Bar{}, err
		}
		bar := Bar{TimeNs: first.TimeNs}
		a.apply(&bar, first)

		for {
			ev, err := a.read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return Bar{}, err
			}
			if ev.TimeNs != bar.TimeNs {
				a.unread(ev)
				break
			}
			a.apply(&bar, ev)
		}

		if !a.hasMid {
			a.dropped++
			a.logger.Debug("Dropping bar before first mid", "time", bar.TimeNs, "trades", len(bar.Trades))
			continue
		}
		bar.Mid = a.mid
		a.bars++
		return bar, nil
	}
}

func (a *Aggregator) apply(bar *Bar, ev tape.Event) {
	switch ev.Kind {
	case tape.KindMid:
		a.mid = ev.Price
		a.hasMid = true
	case tape.KindTrade:
		bar.Trades = append(bar.Trades, ev.Trade())
	}
}

// ReadAll drains the source into bars.
func (a *Aggregator) ReadAll() ([]Bar, error) {
	var out []Bar
	for {
		b, err := a.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
}

// Stats reports how much of the tape was consumed.
func (a *Aggregator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events":  a.events,
		"bars":    a.bars,
		"dropped": a.dropped,
	}
}

// BarSlice replays a fixed list of bars.
type BarSlice struct {
	bars []Bar
	pos  int
}

// NewBarSlice wraps bars.
func NewBarSlice(bars []Bar) *BarSlice { return &BarSlice{bars: bars} }

// Next returns the next bar or io.EOF.
func (s *BarSlice) Next() (Bar, error) {
	if s.pos >= len(s.bars) {
		return Bar{}, io.EOF
	}
	b := s.bars[s.pos]
	s.pos++
	return b, nil
}

// Candle is OHLCV over one interval of simulated time.
type Candle struct {
	Interval  Interval `json:"interval"`
	OpenTime  int64    `json:"openTime"`
	CloseTime int64    `json:"closeTime"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	BuyVolume float64  `json:"buyVolume"`
	Trades    int      `json:"trades"`
	Complete  bool     `json:"complete"`
}

// Interval is a candle width.
type Interval string

const (
	Interval1ms   Interval = "1ms"
	Interval10ms  Interval = "10ms"
	Interval100ms Interval = "100ms"
	Interval1s    Interval = "1s"
	Interval5s    Interval = "5s"
	Interval1m    Interval = "1m"
)

// Duration returns the width of an interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1ms:
		return time.Millisecond
	case Interval10ms:
		return 10 * time.Millisecond
	case Interval100ms:
		return 100 * time.Millisecond
	case Interval1s:
		return time.Second
	case Interval5s:
		return 5 * time.Second
	case Interval1m:
		return time.Minute
	default:
		return time.Second
	}
}

// ParseInterval accepts any supported interval name.
func ParseInterval(s string) (Interval, error) {
	for _, i := range AllIntervals() {
		if string(i) == s {
			return i, nil
		}
	}
	return "", fmt.Errorf("unknown candle interval %q", s)
}

// AllIntervals returns all supported intervals.
func AllIntervals() []Interval {
	return []Interval{Interval1ms, Interval10ms, Interval100ms, Interval1s, Interval5s, Interval1m}
}

// CandleBuilder folds trades into candles. It is safe for concurrent use so
// the report server can read while a replay writes.
type CandleBuilder struct {
	interval Interval
	width    int64

	mu          sync.RWMutex
	current     *Candle
	completed   []Candle
	subscribers []chan Candle
}

// NewCandleBuilder creates a builder for one interval.
func NewCandleBuilder(interval Interval) *CandleBuilder {
	return &CandleBuilder{
		interval: interval,
		width:    int64(interval.Duration()),
	}
}

// Interval returns the candle width.
func (b *CandleBuilder) Interval() Interval { return b.interval }

func (b *CandleBuilder) openTime(ts int64) int64 {
	open := (ts / b.width) * b.width
	if ts < 0 && ts%b.width != 0 {
		open -= b.width
	}
	return open
}

// AddTrade folds one print at simulated time ts.
func (b *CandleBuilder) AddTrade(ts int64, tr types.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := b.openTime(ts)
	c := b.current
	if c == nil || c.OpenTime != open {
		if c != nil {
			b.completeLocked()
		}
		b.current = &Candle{
			Interval:  b.interval,
			OpenTime:  open,
			CloseTime: open + b.width,
			Open:      tr.Price,
			High:      tr.Price,
			Low:       tr.Price,
			Close:     tr.Price,
		}
		c = b.current
	} else {
		c.High = math.Max(c.High, tr.Price)
		c.Low = math.Min(c.Low, tr.Price)
		c.Close = tr.Price
	}
	c.Volume += tr.Qty
	if tr.Side == types.Bid {
		c.BuyVolume += tr.Qty
	}
	c.Trades++
}

// AddBar folds every trade of a bar.
func (b *CandleBuilder) AddBar(bar Bar) {
	for _, tr := range bar.Trades {
		b.AddTrade(bar.TimeNs, tr)
	}
}

// Flush completes the open candle.
func (b *CandleBuilder) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.completeLocked()
	}
}

func (b *CandleBuilder) completeLocked() {
	c := *b.current
	c.Complete = true
	b.completed = append(b.completed, c)
	b.current = nil
	for _, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
			// Subscriber is not ready, skip
		}
	}
}

// Subscribe returns a channel of completed candles. Slow readers miss
// candles rather than stall the replay.
func (b *CandleBuilder) Subscribe(buffer int) <-chan Candle {
	ch := make(chan Candle, buffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Candles returns up to limit of the most recent completed candles, oldest
// first. limit <= 0 returns all of them.
func (b *CandleBuilder) Candles(limit int) []Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if limit > 0 && len(b.completed) > limit {
		start = len(b.completed) - limit
	}
	out := make([]Candle, len(b.completed)-start)
	copy(out, b.completed[start:])
	return out
}

// Latest returns the open candle, if any.
func (b *CandleBuilder) Latest() (Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return Candle{}, false
	}
	return *b.current, true
}

// VWAP is the volume weighted typical price over the last periods candles.
func (b *CandleBuilder) VWAP(periods int) float64 {
	candles := b.Candles(periods)
	var totalVolume, volumePrice float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		volumePrice += typical * c.Volume
		totalVolume += c.Volume
	}
	if totalVolume == 0 {
		return 0
	}
	return volumePrice / totalVolume
}

// MovingAverage is the mean close over the last periods candles.
func (b *CandleBuilder) MovingAverage(periods int) float64 {
	candles := b.Candles(periods)
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}

// RealizedVolatility is the standard deviation of close-to-close log returns
// over the last periods candles, per candle.
func (b *CandleBuilder) RealizedVolatility(periods int) float64 {
	candles := b.Candles(periods + 1)
	if len(candles) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close <= 0 || candles[i].Close <= 0 {
			continue
		}
		rets = append(rets, math.Log(candles[i].Close/candles[i-1].Close))
	}
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}
