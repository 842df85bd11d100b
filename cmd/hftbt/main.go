// Command hftbt replays a market event tape through the queue-position
// backtester and reports fills, inventory and PnL.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/api"
	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/config"
	"github.com/luxfi/hftsim/pkg/journal"
	"github.com/luxfi/hftsim/pkg/types"
)

type options struct {
	configPath string
	tapePath   string
	replayID   string
	serve      bool
}

// parseFlags loads the config file and applies the flags that were set on
// top of it.
func parseFlags(fs *flag.FlagSet, args []string) (config.Config, options, error) {
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.StringVar(&opts.tapePath, "tape", "", "CSV event tape (built-in scenario when empty)")
	fs.StringVar(&opts.replayID, "replay", "", "Replay a journaled run by id and exit")
	seed := fs.Uint64("seed", 0, "Latency RNG seed")
	journalDir := fs.String("journal", "", "Pebble journal directory")
	natsURL := fs.String("nats", "", "NATS server URL for fill fan-out")
	metricsAddr := fs.String("metrics", "", "Prometheus listen address")
	serveAddr := fs.String("serve", "", "Report server listen address")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	noStrategy := fs.Bool("no-strategy", false, "Replay the tape without quoting")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, opts, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Seed = *seed
		case "journal":
			cfg.Output.JournalDir = *journalDir
		case "nats":
			cfg.Output.NATSURL = *natsURL
		case "metrics":
			cfg.Output.MetricsAddr = *metricsAddr
		case "serve":
			cfg.Output.ServeAddr = *serveAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "no-strategy":
			cfg.Strategy.Enabled = !*noStrategy
		}
	})
	opts.serve = cfg.Output.ServeAddr != ""
	return cfg, opts, cfg.Validate()
}

func main() {
	cfg, opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(2)
	}
	logger := log.NewTestLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.replayID != "" {
		err = replay(cfg.Output.JournalDir, opts.replayID, logger, os.Stdout)
	} else {
		err = run(ctx, cfg, opts, logger, os.Stdout)
	}
	if err != nil {
		logger.Crit("Backtest failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, logger log.Logger, out io.Writer) error {
	logger.Info("Starting backtest",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"tape", opts.tapePath,
		"seed", cfg.Seed,
		"strategy", cfg.Strategy.Enabled)

	sim, err := NewSimulator(cfg, opts.tapePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sim.Shutdown(); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	if addr := cfg.Output.MetricsAddr; addr != "" && !opts.serve {
		sim.metrics.StartServer(ctx, addr)
	}

	served := make(chan error, 1)
	if opts.serve {
		go func() {
			served <- api.StartServer(ctx, cfg.Output.ServeAddr, sim.Handler(), logger)
		}()
	}

	rep, err := sim.Run(ctx)
	if err != nil {
		return err
	}
	sim.mu.RLock()
	fills := sim.engine.Fills(0, 0)
	sim.mu.RUnlock()
	printReport(out, sim.RunID(), fills, rep)

	if !opts.serve {
		return nil
	}
	logger.Info("Serving report until interrupted", "addr", cfg.Output.ServeAddr)
	select {
	case err := <-served:
		return err
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		return <-served
	}
}

func replay(dir, id string, logger log.Logger, out io.Writer) error {
	if dir == "" {
		return fmt.Errorf("-replay needs a journal directory")
	}
	j, err := journal.Open(dir, logger.New("module", "journal"))
	if err != nil {
		return err
	}
	defer j.Close()

	meta, err := j.Meta(id)
	if err != nil {
		return err
	}
	fills, err := j.Fills(id)
	if err != nil {
		return err
	}
	inventory, pnl, err := j.Replay(id)
	if err != nil {
		return err
	}

	rep, err := j.Report(id)
	if err != nil {
		// Unfinished runs keep their fills
		logger.Warn("Run has no report", "id", id, "error", err)
		rep = backtest.Report{Fills: len(fills), Equity: pnl}
	}
	rep.Inventory = inventory
	rep.PnL = pnl
	fmt.Fprintf(out, "Run %s started %s seed %d\n", meta.ID, meta.StartedAt.Format(time.RFC3339), meta.Seed)
	printReport(out, id, fills, rep)
	return nil
}

func printReport(out io.Writer, runID string, fills []types.Fill, rep backtest.Report) {
	if runID != "" {
		fmt.Fprintf(out, "Run: %s\n", runID)
	}
	fmt.Fprintf(out, "Fills: %d\n", len(fills))
	for _, f := range fills {
		fmt.Fprintf(out, "  %d @ %s x %s %s\n", f.OrderID, formatFloat(f.Price), formatFloat(f.Qty), f.Side)
	}
	fmt.Fprintf(out, "Inventory: %s\n", formatFloat(rep.Inventory))
	fmt.Fprintf(out, "PnL: %s\n", formatFloat(rep.PnL))
	fmt.Fprintf(out, "Equity: %s\n", formatFloat(rep.Equity))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
