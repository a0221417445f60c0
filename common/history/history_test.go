package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func newTestManager() *Manager {
	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(NewMemoryStore(), ident.NewGenerator(clock), nopLogger{})
}

func TestRecord(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	id, err := m.Record(ctx, "thrd-1", "node-a", "out", StatusSuccess, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recs, err := m.GetHistory(ctx, "thrd-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, "node-a", recs[0].NodeID)
	assert.Equal(t, StatusSuccess, recs[0].Status)
	assert.Equal(t, "out", recs[0].Result)
}

func TestRecord_Validation(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Record(ctx, "", "node-a", nil, StatusSuccess, nil)
	assert.True(t, errs.IsKind(err, errs.KindValidation), "got %v", err)

	_, err = m.Record(ctx, "thrd-1", "", nil, StatusSuccess, nil)
	assert.True(t, errs.IsKind(err, errs.KindValidation), "got %v", err)

	_, err = m.Record(ctx, "thrd-1", "node-a", nil, "exploded", nil)
	assert.True(t, errs.IsKind(err, errs.KindValidation), "got %v", err)
}

func TestRecord_MonotoneTimestamps(t *testing.T) {
	// The fake clock never advances; the manager must still produce
	// strictly increasing timestamps per thread.
	m := newTestManager()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Record(ctx, "thrd-1", "node-a", nil, StatusRunning, nil)
		require.NoError(t, err)
	}
	recs, err := m.GetHistory(ctx, "thrd-1")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		assert.True(t, recs[i].Timestamp.After(recs[i-1].Timestamp),
			"record %d timestamp %v is not after %v", i, recs[i].Timestamp, recs[i-1].Timestamp)
	}
}

func TestGetNodeHistory(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, _ = m.Record(ctx, "thrd-1", "node-a", nil, StatusSuccess, nil)
	_, _ = m.Record(ctx, "thrd-1", "node-b", nil, StatusSuccess, nil)
	_, _ = m.Record(ctx, "thrd-1", "node-a", nil, StatusFailure, nil)

	recs, err := m.GetNodeHistory(ctx, "thrd-1", "node-a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, StatusSuccess, recs[0].Status)
	assert.Equal(t, StatusFailure, recs[1].Status)
}

func TestGetLatestHistory(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	for _, node := range []string{"n1", "n2", "n3"} {
		_, err := m.Record(ctx, "thrd-1", node, nil, StatusSuccess, nil)
		require.NoError(t, err)
	}

	recs, err := m.GetLatestHistory(ctx, "thrd-1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "n3", recs[0].NodeID, "latest first")
	assert.Equal(t, "n2", recs[1].NodeID)

	// A non-positive limit returns everything.
	recs, err = m.GetLatestHistory(ctx, "thrd-1", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestGetStatistics(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, _ = m.Record(ctx, "thrd-1", "a", nil, StatusSuccess, nil)
	_, _ = m.Record(ctx, "thrd-1", "b", nil, StatusSuccess, nil)
	_, _ = m.Record(ctx, "thrd-1", "c", nil, StatusFailure, nil)
	_, _ = m.Record(ctx, "thrd-1", "d", nil, StatusRunning, nil)
	_, _ = m.Record(ctx, "thrd-2", "x", nil, StatusPending, nil)

	stats, err := m.GetStatistics(ctx, "thrd-1")
	require.NoError(t, err)
	assert.Equal(t, &Statistics{Total: 4, Success: 2, Failure: 1, Running: 1}, stats)

	stats, err = m.GetStatistics(ctx, "thrd-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestClearHistory(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, _ = m.Record(ctx, "thrd-1", "a", nil, StatusSuccess, nil)
	_, _ = m.Record(ctx, "thrd-2", "b", nil, StatusSuccess, nil)

	require.NoError(t, m.ClearHistory(ctx, "thrd-1"))
	recs, _ := m.GetHistory(ctx, "thrd-1")
	assert.Empty(t, recs)
	recs, _ = m.GetHistory(ctx, "thrd-2")
	assert.Len(t, recs, 1, "clearing one thread must not touch others")

	require.NoError(t, m.ClearAll(ctx))
	recs, _ = m.GetHistory(ctx, "thrd-2")
	assert.Empty(t, recs)
}
