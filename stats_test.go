// Stats history tests: in-memory history behavior and file-sink round-trip,
// including the compressed per-column field.
package colseg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(segment string, rows int64) StatsRecord {
	return StatsRecord{
		SegmentName:  segment,
		Timestamp:    1,
		RowsConsumed: rows,
		RowsIndexed:  rows,
		BytesUsed:    1024,
		Seconds:      0.5,
		Columns: []ColumnStat{
			{Name: "dim", Cardinality: 3, AvgValueSize: 4.5},
			{Name: "metric", Cardinality: 0, AvgValueSize: 8},
		},
	}
}

// TestStatsHistoryInMemoryAppendAndLatest verifies an in-memory-only
// history (no file sink) still tracks appended records and reports the
// most recent one per segment.
func TestStatsHistoryInMemoryAppendAndLatest(t *testing.T) {
	h := NewStatsHistory()
	require.NoError(t, h.Append(sampleRecord("seg1", 10)))
	require.NoError(t, h.Append(sampleRecord("seg1", 20)))
	require.NoError(t, h.Append(sampleRecord("seg2", 5)))

	latest, ok := h.Latest("seg1")
	require.True(t, ok)
	assert.Equal(t, int64(20), latest.RowsIndexed)

	_, ok = h.Latest("unknown")
	assert.False(t, ok)

	assert.Len(t, h.History("seg1"), 2)
}

// TestStatsHistoryColumnsRoundTripCompressed verifies a record's per-
// column stats survive the zstd+ascii85 round trip used to keep them as
// one safe line-of-text field.
func TestStatsHistoryColumnsRoundTripCompressed(t *testing.T) {
	h := NewStatsHistory()
	rec := sampleRecord("seg1", 1)
	require.NoError(t, h.Append(rec))

	latest, ok := h.Latest("seg1")
	require.True(t, ok)
	cols, err := decompressColumns(latest.ColumnsZ)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "dim", cols[0].Name)
	assert.Equal(t, int32(3), cols[0].Cardinality)
	assert.InDelta(t, 4.5, cols[0].AvgValueSize, 0.001)
}

// TestStatsHistoryFileSinkPersists verifies a record appended to a
// file-backed history is readable after reopening the file, the
// construction-time consultation path every new segment relies on.
func TestStatsHistoryFileSinkPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.jsonl")

	h, err := OpenStatsHistory(path)
	require.NoError(t, err)
	require.NoError(t, h.Append(sampleRecord("seg1", 42)))
	require.NoError(t, h.Close())

	reopened, err := OpenStatsHistory(path)
	require.NoError(t, err)
	latest, ok := reopened.Latest("seg1")
	require.True(t, ok)
	assert.Equal(t, int64(42), latest.RowsIndexed)
	require.Len(t, latest.Columns, 2)
	assert.Equal(t, "metric", latest.Columns[1].Name)
}
