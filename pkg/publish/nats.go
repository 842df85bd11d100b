// Package publish fans backtest results out over NATS.
//
// Fills go to <prefix>.fills and the final report to <prefix>.report as
// JSON.
package publish

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/types"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// FillMessage is the payload on the fills subject.
type FillMessage struct {
	RunID string     `json:"runId,omitempty"`
	Fill  types.Fill `json:"fill"`
}

// ReportMessage is the payload on the report subject.
type ReportMessage struct {
	RunID  string          `json:"runId,omitempty"`
	Report backtest.Report `json:"report"`
}

// Publisher writes results to a connection.
type Publisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	runID  string
	logger log.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New wraps an existing connection.
func New(conn Conn, prefix, runID string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Root().New("module", "publish")
	}
	if prefix == "" {
		prefix = "hftsim"
	}
	return &Publisher{conn: conn, prefix: prefix, runID: runID, logger: logger}
}

// Connect dials a NATS server.
func Connect(url, prefix, runID string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("hftsim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	p := New(nc, prefix, runID, logger)
	p.nc = nc
	p.logger.Info("Connected to NATS", "url", nc.ConnectedUrl(), "prefix", p.prefix)
	return p, nil
}

// FillSubject is where fills are published.
func (p *Publisher) FillSubject() string { return p.prefix + ".fills" }

// ReportSubject is where the report is published.
func (p *Publisher) ReportSubject() string { return p.prefix + ".report" }

// PublishFill sends one fill.
func (p *Publisher) PublishFill(f types.Fill) error {
	data, err := json.Marshal(FillMessage{RunID: p.runID, Fill: f})
	if err != nil {
		return err
	}
	return p.publish(p.FillSubject(), data)
}

// OnFill is a fill observer; failures are logged and counted.
func (p *Publisher) OnFill(f types.Fill) {
	if err := p.PublishFill(f); err != nil {
		p.logger.Warn("Failed to publish fill", "seq", f.Seq, "error", err)
	}
}

// PublishReport sends the run summary and flushes.
func (p *Publisher) PublishReport(rep backtest.Report) error {
	data, err := json.Marshal(ReportMessage{RunID: p.runID, Report: rep})
	if err != nil {
		return err
	}
	if err := p.publish(p.ReportSubject(), data); err != nil {
		return err
	}
	return p.conn.Flush()
}

func (p *Publisher) publish(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.published.Add(1)
	return nil
}

// Stats reports message counts.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close flushes and, for a dialed connection, drains it.
func (p *Publisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return p.conn.Flush()
}
