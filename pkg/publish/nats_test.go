package publish

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/types"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs    []message
	flushes int
	err     error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func (c *fakeConn) Flush() error {
	c.flushes++
	return nil
}

func testLogger() log.Logger {
	level, _ := log.ToLevel("info")
	return log.NewTestLogger(level)
}

func TestPublishFill(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "bt", "run-1", testLogger())

	f := types.Fill{Seq: 1, OrderID: 1, Price: 99.5, Qty: 10, Side: types.Bid, TimeNs: 1}
	p.OnFill(f)

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "bt.fills", conn.msgs[0].subject)

	var got FillMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, FillMessage{RunID: "run-1", Fill: f}, got)
	assert.Contains(t, string(conn.msgs[0].data), `"side":"bid"`)

	published, failed := p.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(0), failed)
}

func TestPublishReportFlushes(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "", "", testLogger())

	require.NoError(t, p.PublishReport(backtest.Report{Fills: 2, PnL: 1.5}))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "hftsim.report", conn.msgs[0].subject)
	assert.Equal(t, 1, conn.flushes)

	var got ReportMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, 2, got.Report.Fills)

	require.NoError(t, p.Close())
	assert.Equal(t, 2, conn.flushes)
}

func TestPublishFailureCounted(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	p := New(conn, "bt", "", testLogger())

	p.OnFill(types.Fill{Seq: 1, Side: types.Ask})
	assert.Error(t, p.PublishFill(types.Fill{Seq: 2, Side: types.Ask}))

	published, failed := p.Stats()
	assert.Equal(t, uint64(0), published)
	assert.Equal(t, uint64(2), failed)
}
