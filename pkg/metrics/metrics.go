// Package metrics exposes backtest progress as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/hftsim/pkg/types"
)

// Metrics holds the collectors for one backtest run on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Order flow
	ordersSubmitted prometheus.Counter
	ordersReleased  prometheus.Counter
	ordersRejected  prometheus.Counter
	ordersCanceled  prometheus.Counter
	pendingOrders   prometheus.Gauge
	latencySample   prometheus.Histogram

	// Executions
	fills        *prometheus.CounterVec
	filledVolume *prometheus.CounterVec
	bars         prometheus.Counter

	// Position
	inventory   prometheus.Gauge
	realizedPnL prometheus.Gauge
	bookDepth   *prometheus.GaugeVec
}

// New creates and registers the backtest collectors.
func New(namespace string) *Metrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders handed to the tick-to-trade delay",
		}),
		ordersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_released_total",
			Help:      "Orders released into the book after latency",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected on submission or insertion",
		}),
		ordersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_canceled_total",
			Help:      "Orders canceled in flight or while resting",
		}),
		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_orders",
			Help:      "Orders currently delayed by latency",
		}),
		latencySample: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_sample_microseconds",
			Help:      "Sampled tick-to-trade latency",
			Buckets:   []float64{0, 10, 25, 40, 50, 60, 75, 100, 250, 500, 1000},
		}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fills of our orders by side",
		}, []string{"side"}),
		filledVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filled_volume_total",
			Help:      "Filled quantity by side",
		}, []string{"side"}),
		bars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_processed_total",
			Help:      "Bars replayed through the engine",
		}),
		inventory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory",
			Help:      "Signed inventory, positive is long",
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl",
			Help:      "Cash-flow PnL",
		}),
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_depth",
			Help:      "Resting volume of our orders by side",
		}, []string{"side"}),
	}

	registry.MustRegister(
		m.ordersSubmitted,
		m.ordersReleased,
		m.ordersRejected,
		m.ordersCanceled,
		m.pendingOrders,
		m.latencySample,
		m.fills,
		m.filledVolume,
		m.bars,
		m.inventory,
		m.realizedPnL,
		m.bookDepth,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done.
func (m *Metrics) StartServer(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting Prometheus metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}

// RecordSubmit records an order entering the latency queue.
func (m *Metrics) RecordSubmit(delay time.Duration) {
	m.ordersSubmitted.Inc()
	m.latencySample.Observe(float64(delay) / float64(time.Microsecond))
}

// RecordRelease records n orders reaching the book.
func (m *Metrics) RecordRelease(n int) {
	m.ordersReleased.Add(float64(n))
}

// RecordReject records a rejected order.
func (m *Metrics) RecordReject() { m.ordersRejected.Inc() }

// RecordCancel records a successful cancel.
func (m *Metrics) RecordCancel() { m.ordersCanceled.Inc() }

// RecordBar records one replayed bar.
func (m *Metrics) RecordBar() { m.bars.Inc() }

// RecordFill records one fill.
func (m *Metrics) RecordFill(f types.Fill) {
	m.fills.WithLabelValues(f.Side.String()).Inc()
	m.filledVolume.WithLabelValues(f.Side.String()).Add(f.Qty)
}

// SetPosition publishes inventory and realized PnL.
func (m *Metrics) SetPosition(inventory, pnl float64) {
	m.inventory.Set(inventory)
	m.realizedPnL.Set(pnl)
}

// SetPending publishes the in-flight order count.
func (m *Metrics) SetPending(n int) { m.pendingOrders.Set(float64(n)) }

// SetDepth publishes resting volume on a side.
func (m *Metrics) SetDepth(side types.Side, volume float64) {
	m.bookDepth.WithLabelValues(side.String()).Set(volume)
}
