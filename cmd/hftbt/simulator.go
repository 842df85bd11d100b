package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/api"
	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/config"
	"github.com/luxfi/hftsim/pkg/journal"
	"github.com/luxfi/hftsim/pkg/marketdata"
	"github.com/luxfi/hftsim/pkg/metrics"
	"github.com/luxfi/hftsim/pkg/publish"
	"github.com/luxfi/hftsim/pkg/risk"
	"github.com/luxfi/hftsim/pkg/strategy"
	"github.com/luxfi/hftsim/pkg/tape"
	"github.com/luxfi/hftsim/pkg/websocket"
)

// Simulator wires one backtest run to its sinks.
type Simulator struct {
	cfg      config.Config
	tapePath string
	logger   log.Logger

	// mu orders the replay against report server reads
	mu       sync.RWMutex
	engine   *backtest.Engine
	metrics  *metrics.Metrics
	candles  *marketdata.CandleBuilder
	pretrade *risk.PreTrade
	hub      *websocket.Feed

	// Optional sinks
	journal *journal.Journal
	run     *journal.Run
	pub     *publish.Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator opens the configured sinks and builds the engine.
func NewSimulator(cfg config.Config, tapePath string, logger log.Logger) (*Simulator, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		cfg:      cfg,
		tapePath: tapePath,
		logger:   logger,
		metrics:  metrics.New("hftsim"),
		candles:  marketdata.NewCandleBuilder(cfg.Interval()),
		pretrade: risk.NewPreTrade(cfg.Risk),
		hub:      websocket.NewFeed(logger.New("module", "websocket"), websocket.DefaultConfig()),
		ctx:      ctx,
		cancel:   cancel,
	}

	observers := []backtest.Option{
		backtest.WithFillObserver(s.pretrade.OnFill),
		backtest.WithFillObserver(s.hub.OnFill),
	}

	runID := ""
	if dir := cfg.Output.JournalDir; dir != "" {
		j, err := journal.Open(dir, logger.New("module", "journal"))
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.journal = j
		jr, err := j.NewRun(journal.RunMeta{
			StartedAt: time.Now().UTC(),
			Seed:      cfg.Seed,
			Tape:      tapePath,
			Config:    cfg.Backtest(),
		})
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.run = jr
		runID = jr.ID()
		observers = append(observers, backtest.WithFillObserver(jr.OnFill))
	}

	if url := cfg.Output.NATSURL; url != "" {
		pub, err := publish.Connect(url, cfg.Output.NATSSubject, runID, logger.New("module", "publish"))
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.pub = pub
		observers = append(observers, backtest.WithFillObserver(pub.OnFill))
	}

	opts := append([]backtest.Option{
		backtest.WithLogger(logger.New("module", "backtest")),
		backtest.WithMetrics(s.metrics),
	}, observers...)
	engine, err := backtest.New(cfg.Backtest(), rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)), opts...)
	if err != nil {
		s.Shutdown()
		return nil, err
	}
	s.engine = engine

	s.hub.Start()
	s.wg.Add(1)
	go s.forwardCandles(s.candles.Subscribe(256))
	return s, nil
}

func (s *Simulator) forwardCandles(ch <-chan marketdata.Candle) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-ch:
			s.hub.BroadcastCandle(c)
		}
	}
}

// RunID returns the journal run id, empty without a journal.
func (s *Simulator) RunID() string {
	if s.run == nil {
		return ""
	}
	return s.run.ID()
}

// Run replays the tape, or the built-in scenario without one, and hands
// the report to every sink.
func (s *Simulator) Run(ctx context.Context) (backtest.Report, error) {
	var err error
	if s.tapePath == "" {
		err = s.runDemo()
	} else {
		err = s.runTape(ctx)
	}
	if err != nil {
		return backtest.Report{}, err
	}

	s.mu.RLock()
	rep := s.engine.Report()
	s.mu.RUnlock()

	s.hub.BroadcastReport(rep)
	if s.run != nil {
		if err := s.run.Finish(rep); err != nil {
			return rep, err
		}
	}
	if s.pub != nil {
		if err := s.pub.PublishReport(rep); err != nil {
			s.logger.Warn("Failed to publish report", "error", err)
		}
	}
	return rep, nil
}

func (s *Simulator) runTape(ctx context.Context) error {
	f, err := tape.Open(s.tapePath)
	if err != nil {
		return err
	}
	defer f.Close()

	agg := marketdata.NewAggregator(f, s.logger.New("module", "marketdata"))
	opts := []strategy.RunnerOption{
		strategy.WithCandles(s.candles),
		strategy.WithLock(&s.mu),
		strategy.WithRunnerLogger(s.logger.New("module", "runner")),
	}
	if s.cfg.Strategy.Enabled {
		maker, err := strategy.NewMarketMaker(s.cfg.MarketMaker(), s.pretrade, s.logger.New("module", "strategy"))
		if err != nil {
			return err
		}
		if s.cfg.Strategy.SigmaFromCandles {
			maker.UseCandleVolatility(s.candles, s.cfg.Strategy.VolWindow)
		}
		opts = append(opts, strategy.WithMarketMaker(maker))
		defer func() {
			s.logger.Info("Strategy finished", "stats", maker.Stats())
		}()
	}

	n, err := strategy.NewRunner(s.engine, opts...).Run(ctx, agg)
	s.logger.Info("Tape consumed", "bars", n, "stats", agg.Stats())
	return err
}

// Handler mounts the report API, the fill feed and the metrics.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/rpc", api.NewJSONRPCServer(api.Locked(s.engine, &s.mu), s.candles, s.logger.New("module", "api")))
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/health", s.hub.HandleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Shutdown stops the feed and closes the sinks.
func (s *Simulator) Shutdown() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Stop()

	var errs []error
	if s.run != nil {
		if err := s.run.Err(); err != nil {
			errs = append(errs, fmt.Errorf("journal run %s: %w", s.run.ID(), err))
		}
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.pub != nil {
		errs = append(errs, s.pub.Close())
	}
	return errors.Join(errs...)
}
