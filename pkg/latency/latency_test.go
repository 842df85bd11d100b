package latency

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/luxfi/hftsim/pkg/types"
)

// fixedSource returns the queued draws in order, then zeros.
type fixedSource struct {
	draws []float64
}

func (s *fixedSource) NormFloat64() float64 {
	if len(s.draws) == 0 {
		return 0
	}
	v := s.draws[0]
	s.draws = s.draws[1:]
	return v
}

func mustModel(t require.TestingT, meanUs, stdUs float64, src Source) *Model {
	m, err := NewModel(meanUs, stdUs, src)
	require.NoError(t, err)
	return m
}

func TestModelRequiresSourceForVariance(t *testing.T) {
	_, err := NewModel(50, 10, nil)
	assert.ErrorIs(t, err, ErrNilSource)

	m, err := NewModel(50, 0, nil)
	require.NoError(t, err)
	assert.True(t, m.Deterministic())
}

func TestModelFixedMean(t *testing.T) {
	m := mustModel(t, 50, 0, nil)
	assert.True(t, m.Deterministic())
	assert.Equal(t, 50.0, m.SampleUs())
	assert.Equal(t, 50*time.Microsecond, m.Sample())

	neg := mustModel(t, -5, 0, nil)
	assert.Equal(t, time.Duration(0), neg.Sample())

	negStd := mustModel(t, 20, -1, &fixedSource{draws: []float64{3}})
	assert.Equal(t, 20*time.Microsecond, negStd.Sample())
}

func TestModelClampsNegativeDraw(t *testing.T) {
	m := mustModel(t, 50, 10, &fixedSource{draws: []float64{-10, 1.5}})

	assert.Equal(t, 0.0, m.SampleUs(), "50 + 10*-10 truncated to zero")
	assert.Equal(t, 65.0, m.SampleUs())
}

func TestModelSeededReproducible(t *testing.T) {
	a := mustModel(t, 50, 10, rand.New(rand.NewPCG(42, 42)))
	b := mustModel(t, 50, 10, rand.New(rand.NewPCG(42, 42)))
	for i := 0; i < 100; i++ {
		da, db := a.Sample(), b.Sample()
		require.Equal(t, da, db)
		require.GreaterOrEqual(t, da, time.Duration(0))
	}
}

func req(id uint64) OrderRequest {
	return OrderRequest{ID: id, Price: 100, Qty: 1, Side: types.Bid}
}

func TestReleaseBoundary(t *testing.T) {
	ttt := NewTickToTrade(mustModel(t, 50, 0, nil))

	p, err := ttt.Submit(1_000, req(1))
	require.NoError(t, err)
	assert.Equal(t, int64(51_000), p.ReleaseNs)

	assert.Empty(t, ttt.ReleaseReady(1_000+49_000))
	assert.Equal(t, 1, ttt.Len())

	got := ttt.ReleaseReady(1_000 + 50_000)
	assert.Equal(t, []OrderRequest{req(1)}, got)
	assert.Equal(t, 0, ttt.Len())
}

func TestReleaseIdempotent(t *testing.T) {
	ttt := NewTickToTrade(mustModel(t, 0, 0, nil))
	_, err := ttt.Submit(0, req(1))
	require.NoError(t, err)

	assert.Len(t, ttt.ReleaseReady(0), 1)
	assert.Empty(t, ttt.ReleaseReady(0))
	assert.Empty(t, ttt.ReleaseReady(10))
}

func TestReleaseOrderedByStampThenSubmission(t *testing.T) {
	src := &fixedSource{draws: []float64{3, -1, 0, -1}}
	ttt := NewTickToTrade(mustModel(t, 10, 1, src))

	for id := uint64(1); id <= 4; id++ {
		_, err := ttt.Submit(0, req(id))
		require.NoError(t, err)
	}
	next, ok := ttt.NextRelease()
	require.True(t, ok)
	assert.Equal(t, int64(9_000), next)

	got := ttt.ReleaseReady(20_000)
	ids := make([]uint64, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []uint64{2, 4, 3, 1}, ids)
}

func TestSubmitDuplicateAndCancel(t *testing.T) {
	ttt := NewTickToTrade(mustModel(t, 5, 0, nil))
	_, err := ttt.Submit(0, req(7))
	require.NoError(t, err)

	_, err = ttt.Submit(0, req(7))
	assert.ErrorIs(t, err, ErrDuplicatePending)

	assert.True(t, ttt.IsPending(7))
	assert.True(t, ttt.Cancel(7))
	assert.False(t, ttt.Cancel(7))
	assert.Empty(t, ttt.ReleaseReady(1_000_000))
}

func TestPropertyReleasedExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Uint64().Draw(t, "seed")
		ttt := NewTickToTrade(mustModel(t, 50, 25, rand.New(rand.NewPCG(seed, seed))))

		n := rapid.IntRange(1, 40).Draw(t, "orders")
		now := int64(0)
		released := map[uint64]int{}
		for id := uint64(1); id <= uint64(n); id++ {
			now += int64(rapid.IntRange(0, 30_000).Draw(t, "gap"))
			_, err := ttt.Submit(now, req(id))
			require.NoError(t, err)
			for _, o := range ttt.ReleaseReady(now) {
				released[o.ID]++
			}
		}
		for _, o := range ttt.ReleaseReady(now + int64(time.Second)) {
			released[o.ID]++
		}

		require.Len(t, released, n)
		for id, c := range released {
			require.Equal(t, 1, c, "order %d released %d times", id, c)
		}
		require.Equal(t, 0, ttt.Len())
	})
}
