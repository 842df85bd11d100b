// Package api serves a backtest run's read-only state over JSON-RPC 2.0.
package api

import (
	"sync"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/lob"
	"github.com/luxfi/hftsim/pkg/types"
)

// Backend is the read side of a run. *backtest.Engine satisfies it.
type Backend interface {
	Report() backtest.Report
	Fills(offset, limit int) []types.Fill
	Depth(side types.Side, n int) []lob.DepthLevel
	BookSnapshot() lob.Snapshot
}

type lockedBackend struct {
	b  Backend
	mu *sync.RWMutex
}

// Locked serializes reads of b against a replay holding mu for writing.
func Locked(b Backend, mu *sync.RWMutex) Backend {
	return &lockedBackend{b: b, mu: mu}
}

func (l *lockedBackend) Report() backtest.Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.b.Report()
}

func (l *lockedBackend) Fills(offset, limit int) []types.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.b.Fills(offset, limit)
}

func (l *lockedBackend) Depth(side types.Side, n int) []lob.DepthLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.b.Depth(side, n)
}

func (l *lockedBackend) BookSnapshot() lob.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.b.BookSnapshot()
}
