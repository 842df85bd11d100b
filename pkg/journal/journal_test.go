package journal

import (
	"errors"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/types"
)

func openJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	level, _ := log.ToLevel("info")
	j, err := Open(dir, log.NewTestLogger(level))
	require.NoError(t, err)
	return j
}

func TestFillRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir)

	run, err := j.NewRun(RunMeta{Seed: 42, Tape: "events.csv", Config: backtest.DefaultConfig()})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID())

	fills := []types.Fill{
		{Seq: 1, OrderID: 1, Price: 99.5, Qty: 10, Side: types.Bid, TimeNs: 1},
		{Seq: 2, OrderID: 7, Price: 100.25, Qty: 4, Side: types.Ask, TimeNs: 2_000_000},
		{Seq: 10, OrderID: 9, Price: 100.01, Qty: 1, Side: types.Ask, TimeNs: 3_000_000},
	}
	for _, f := range fills {
		run.OnFill(f)
	}
	require.NoError(t, run.Err())
	assert.Equal(t, uint64(3), run.Count())
	require.NoError(t, run.Finish(backtest.Report{Fills: 3, Inventory: 5, PnL: -493.99}))
	require.NoError(t, j.Close())

	j = openJournal(t, dir)
	defer j.Close()

	got, err := j.Fills(run.ID())
	require.NoError(t, err)
	assert.Equal(t, fills, got, "sequence order survives seq 10 after seq 2")

	meta, err := j.Meta(run.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), meta.Seed)
	assert.Equal(t, backtest.DefaultConfig(), meta.Config)

	rep, err := j.Report(run.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Fills)

	inv, pnl, err := j.Replay(run.ID())
	require.NoError(t, err)
	assert.Equal(t, 5.0, inv)
	assert.InDelta(t, -995+401+100.01, pnl, 1e-9)
}

func TestRunsAreIsolated(t *testing.T) {
	j := openJournal(t, t.TempDir())
	defer j.Close()

	a, err := j.NewRun(RunMeta{Seed: 1, StartedAt: time.Unix(100, 0).UTC()})
	require.NoError(t, err)
	b, err := j.NewRun(RunMeta{Seed: 2, StartedAt: time.Unix(200, 0).UTC()})
	require.NoError(t, err)

	require.NoError(t, a.Append(types.Fill{Seq: 1, OrderID: 1, Price: 1, Qty: 1, Side: types.Bid}))
	require.NoError(t, b.Append(types.Fill{Seq: 1, OrderID: 2, Price: 2, Qty: 2, Side: types.Ask}))
	require.NoError(t, b.Append(types.Fill{Seq: 2, OrderID: 3, Price: 2, Qty: 2, Side: types.Ask}))

	fa, err := j.Fills(a.ID())
	require.NoError(t, err)
	assert.Len(t, fa, 1)
	fb, err := j.Fills(b.ID())
	require.NoError(t, err)
	assert.Len(t, fb, 2)

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, a.ID(), runs[0].ID)
	assert.Equal(t, b.ID(), runs[1].ID)
}

func TestMissingRun(t *testing.T) {
	j := openJournal(t, t.TempDir())
	defer j.Close()

	_, err := j.Meta("nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	_, err = j.Report("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	fills, err := j.Fills("nope")
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestDecodeFillRejectsGarbage(t *testing.T) {
	_, err := decodeFill([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadRecord)

	buf := encodeFill(types.Fill{Seq: 1, Side: types.Ask})
	buf[32] = 9
	_, err = decodeFill(buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}
