// Package journal persists backtest runs in Pebble: run metadata, every
// fill in sequence, and the final report.
//
// Keys:
//
//	run/<id>/meta             JSON RunMeta
//	run/<id>/fill/<seq:020d>  binary fill
//	run/<id>/report           JSON backtest.Report
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/types"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrBadRecord   = errors.New("invalid fill record")
)

const fillRecordLen = 8 + 8 + 8 + 8 + 1 + 8

// RunMeta describes a stored run.
type RunMeta struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"startedAt"`
	Seed      uint64          `json:"seed"`
	Tape      string          `json:"tape,omitempty"`
	Config    backtest.Config `json:"config"`
}

// Journal is a Pebble database of runs.
type Journal struct {
	db     *pebble.DB
	logger log.Logger
}

// Open opens or creates a journal in dir.
func Open(dir string, logger log.Logger) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if logger == nil {
		logger = log.Root().New("module", "journal")
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// NewRun stores meta under a fresh run id and returns a writer for its fills.
func (j *Journal) NewRun(meta RunMeta) (*Run, error) {
	meta.ID = uuid.NewString()
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	val, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := j.db.Set(metaKey(meta.ID), val, pebble.Sync); err != nil {
		return nil, fmt.Errorf("write run meta: %w", err)
	}
	j.logger.Info("Journal run started", "run", meta.ID, "seed", meta.Seed)
	return &Run{j: j, meta: meta}, nil
}

// Meta loads a run's metadata.
func (j *Journal) Meta(id string) (RunMeta, error) {
	var meta RunMeta
	if err := j.getJSON(metaKey(id), &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// Report loads a finished run's report.
func (j *Journal) Report(id string) (backtest.Report, error) {
	var rep backtest.Report
	err := j.getJSON(reportKey(id), &rep)
	return rep, err
}

func (j *Journal) getJSON(key []byte, v interface{}) error {
	val, closer, err := j.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, key)
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

// Runs lists stored runs, oldest first.
func (j *Journal) Runs() ([]RunMeta, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("run/"),
		UpperBound: []byte("run/~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var runs []RunMeta
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), "/meta") {
			continue
		}
		var meta RunMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		runs = append(runs, meta)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].StartedAt.Before(runs[b].StartedAt) })
	return runs, nil
}

// ScanFills calls fn for every fill of a run in sequence order.
func (j *Journal) ScanFills(id string, fn func(types.Fill) error) error {
	prefix := fillPrefix(id)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), '~'),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		f, err := decodeFill(iter.Value())
		if err != nil {
			return fmt.Errorf("%s: %w", iter.Key(), err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Fills returns every fill of a run.
func (j *Journal) Fills(id string) ([]types.Fill, error) {
	var out []types.Fill
	err := j.ScanFills(id, func(f types.Fill) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

// Replay folds a run's fills into inventory and cash PnL.
func (j *Journal) Replay(id string) (inventory, pnl float64, err error) {
	err = j.ScanFills(id, func(f types.Fill) error {
		inventory += f.SignedQty()
		pnl -= f.SignedQty() * f.Price
		return nil
	})
	return inventory, pnl, err
}

// Run writes one run's fills.
type Run struct {
	j    *Journal
	meta RunMeta

	mu    sync.Mutex
	count uint64
	err   error
}

// ID is the run id.
func (r *Run) ID() string { return r.meta.ID }

// Meta returns the stored metadata.
func (r *Run) Meta() RunMeta { return r.meta }

// Append stores one fill.
func (r *Run) Append(f types.Fill) error {
	if err := r.j.db.Set(fillKey(r.meta.ID, f.Seq), encodeFill(f), pebble.NoSync); err != nil {
		return fmt.Errorf("write fill %d: %w", f.Seq, err)
	}
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return nil
}

// OnFill is a fill observer. The first write error is kept for Err.
func (r *Run) OnFill(f types.Fill) {
	if err := r.Append(f); err != nil {
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
		r.j.logger.Error("Failed to journal fill", "run", r.meta.ID, "seq", f.Seq, "error", err)
	}
}

// Err returns the first error seen by OnFill.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Count is the number of fills written.
func (r *Run) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Finish stores the report and flushes the run to disk.
func (r *Run) Finish(rep backtest.Report) error {
	val, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	if err := r.j.db.Set(reportKey(r.meta.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	r.j.logger.Info("Journal run finished", "run", r.meta.ID, "fills", r.Count())
	return r.Err()
}

func metaKey(id string) []byte   { return []byte("run/" + id + "/meta") }
func reportKey(id string) []byte { return []byte("run/" + id + "/report") }
func fillPrefix(id string) []byte {
	return []byte("run/" + id + "/fill/")
}

func fillKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("run/%s/fill/%020d", id, seq))
}

// binary encoding: [seq:8][order:8][price:8][qty:8][side:1][time:8]
func encodeFill(f types.Fill) []byte {
	buf := make([]byte, fillRecordLen)
	binary.BigEndian.PutUint64(buf[0:8], f.Seq)
	binary.BigEndian.PutUint64(buf[8:16], f.OrderID)
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(f.Price))
	binary.BigEndian.PutUint64(buf[24:32], math.Float64bits(f.Qty))
	buf[32] = byte(f.Side)
	binary.BigEndian.PutUint64(buf[33:41], uint64(f.TimeNs))
	return buf
}

func decodeFill(b []byte) (types.Fill, error) {
	if len(b) != fillRecordLen {
		return types.Fill{}, fmt.Errorf("%w: length %d", ErrBadRecord, len(b))
	}
	side := types.Side(b[32])
	if !side.Valid() {
		return types.Fill{}, fmt.Errorf("%w: side %d", ErrBadRecord, b[32])
	}
	return types.Fill{
		Seq:     binary.BigEndian.Uint64(b[0:8]),
		OrderID: binary.BigEndian.Uint64(b[8:16]),
		Price:   math.Float64frombits(binary.BigEndian.Uint64(b[16:24])),
		Qty:     math.Float64frombits(binary.BigEndian.Uint64(b[24:32])),
		Side:    side,
		TimeNs:  int64(binary.BigEndian.Uint64(b[33:41])),
	}, nil
}
