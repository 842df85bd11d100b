package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hftsim/pkg/types"
)

func TestRecordFillAndPosition(t *testing.T) {
	m := New("hftsim_test")

	m.RecordFill(types.Fill{OrderID: 1, Price: 99.5, Qty: 10, Side: types.Bid})
	m.RecordFill(types.Fill{OrderID: 2, Price: 100.5, Qty: 4, Side: types.Ask})
	m.RecordFill(types.Fill{OrderID: 3, Price: 99.5, Qty: 1, Side: types.Bid})
	m.SetPosition(7, -595)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fills.WithLabelValues("bid")))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.filledVolume.WithLabelValues("bid")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.filledVolume.WithLabelValues("ask")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.inventory))
	assert.Equal(t, -595.0, testutil.ToFloat64(m.realizedPnL))
}

func TestOrderFlowCounters(t *testing.T) {
	m := New("hftsim_test")

	m.RecordSubmit(50 * time.Microsecond)
	m.RecordSubmit(60 * time.Microsecond)
	m.RecordRelease(2)
	m.RecordReject()
	m.RecordCancel()
	m.RecordBar()
	m.SetPending(3)
	m.SetDepth(types.Ask, 12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersCanceled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bars))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingOrders))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.bookDepth.WithLabelValues("ask")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latencySample))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("hftsim_test")
	m.RecordBar()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "hftsim_test_bars_processed_total 1"))
}
