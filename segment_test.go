// Mutable segment tests: the worked end-to-end ingestion scenarios,
// general construction, and read-path coverage.
package colseg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleSchema() Schema {
	return Schema{
		Columns: []FieldSpec{
			{Name: "dim", DataType: TypeString, Kind: KindDimension, HasDictionary: true, HasInvertedIndex: true},
			{Name: "metric", DataType: TypeInt64, Kind: KindMetric, FoldOp: FoldSum},
		},
	}
}

func newTestSegment(t *testing.T, cfg Config) *MutableSegment {
	t.Helper()
	s, err := NewMutableSegment(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

// TestSimpleAppend verifies an ordinary row is dictionary-encoded,
// forward-indexed, inverted-indexed, and reflected in minTime/maxTime —
// spec §8 scenario 1.
func TestSimpleAppend(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "dim", DataType: TypeString, Kind: KindDimension, HasDictionary: true, HasInvertedIndex: true},
			{Name: "ts", DataType: TypeInt64, Kind: KindTime, HasDictionary: true},
		},
		TimeField: "ts",
	}
	s := newTestSegment(t, Config{SegmentName: "seg1", Schema: schema, Capacity: 10})

	more, err := s.Index(Row{Values: map[string]Value{
		"dim": StringValue("a"),
		"ts":  Int64Value(1000),
	}}, RowMetadata{})
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, int32(1), s.NumDocsIndexed())

	meta := s.SegmentMetadata()
	assert.Equal(t, int64(1000), meta.MinTimeMs)
	assert.Equal(t, int64(1000), meta.MaxTimeMs)

	row, err := s.Record(0, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", row.Values["dim"].Str)

	ids, err := s.SortedDocIdIteration("dim")
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, ids)
}

// TestAggregationCollapse verifies rows sharing a dimension+time key fold
// into one doc via the record-id map — spec §8 scenario 2 — with the
// int64 SUM fold applied end to end. The float/double SUM fold is
// covered by TestFoldSum in value_test.go.
func TestAggregationCollapse(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "dim", DataType: TypeString, Kind: KindDimension, HasDictionary: true},
			{Name: "ts", DataType: TypeInt64, Kind: KindTime, HasDictionary: true},
			{Name: "metric", DataType: TypeInt64, Kind: KindMetric, FoldOp: FoldSum},
		},
		TimeField: "ts",
	}
	s := newTestSegment(t, Config{
		SegmentName:      "seg2",
		Schema:           schema,
		Capacity:         10,
		AggregateMetrics: true,
	})
	require.True(t, s.aggregationEnabled)

	row := func(v int64) Row {
		return Row{Values: map[string]Value{
			"dim":    StringValue("a"),
			"ts":     Int64Value(1000),
			"metric": Int64Value(v),
		}}
	}

	_, err := s.Index(row(10), RowMetadata{})
	require.NoError(t, err)
	_, err = s.Index(row(5), RowMetadata{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), s.NumDocsIndexed())
	assert.Equal(t, int32(1), s.recordIdMap.Size())

	got, err := s.Record(0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.Values["metric"].I64)
}

// TestAggregationDisabledByMultiValueDimension verifies a multi-value
// dimension column disables aggregation at construction (logged, not
// fatal) and ingestion proceeds row-per-doc like scenario 1 — §8
// scenario 3.
func TestAggregationDisabledByMultiValueDimension(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "tags", DataType: TypeString, Kind: KindDimension, HasDictionary: true, MultiValue: true},
			{Name: "metric", DataType: TypeInt64, Kind: KindMetric, FoldOp: FoldSum},
		},
	}
	s := newTestSegment(t, Config{
		SegmentName:      "seg3",
		Schema:           schema,
		Capacity:         10,
		AggregateMetrics: true,
	})
	assert.False(t, s.aggregationEnabled)
	assert.Nil(t, s.recordIdMap)

	for i := 0; i < 2; i++ {
		_, err := s.Index(Row{
			Values:      map[string]Value{"metric": Int64Value(1)},
			MultiValues: map[string][]Value{"tags": {StringValue("x")}},
		}, RowMetadata{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), s.NumDocsIndexed())
}

// TestCapacityBound verifies canTakeMore flips to false once capacity is
// reached and a further Index call is rejected — §8 scenario 4.
func TestCapacityBound(t *testing.T) {
	s := newTestSegment(t, Config{SegmentName: "seg4", Schema: simpleSchema(), Capacity: 3})

	mkRow := func(v int64) Row {
		return Row{Values: map[string]Value{"dim": StringValue("a"), "metric": Int64Value(v)}}
	}

	more, err := s.Index(mkRow(1), RowMetadata{})
	require.NoError(t, err)
	assert.True(t, more)

	more, err = s.Index(mkRow(1), RowMetadata{})
	require.NoError(t, err)
	assert.True(t, more)

	more, err = s.Index(mkRow(1), RowMetadata{})
	require.NoError(t, err)
	assert.False(t, more)

	_, err = s.Index(mkRow(1), RowMetadata{})
	assert.ErrorIs(t, err, ErrSegmentFull)
	assert.Equal(t, int32(3), s.NumDocsIndexed())
}

// TestSortedDocIdIteration verifies the exact permutation produced for a
// known value sequence — §8 scenario 5.
func TestSortedDocIdIteration(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "dim", DataType: TypeInt32, Kind: KindDimension, HasDictionary: true, HasInvertedIndex: true},
		},
	}
	s := newTestSegment(t, Config{SegmentName: "seg5", Schema: schema, Capacity: 10})

	values := []int32{3, 1, 2, 1, 3}
	for _, v := range values {
		_, err := s.Index(Row{Values: map[string]Value{"dim": Int32Value(v)}}, RowMetadata{})
		require.NoError(t, err)
	}

	ids, err := s.SortedDocIdIteration("dim")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 3, 2, 0, 4}, ids)
}

// TestMultiValueCapRejectionLeavesNoTrace verifies a row with more than
// MaxMultiValuesPerRow entries is rejected before any dictionary
// mutation takes effect — §8 scenario 6.
func TestMultiValueCapRejectionLeavesNoTrace(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "tags", DataType: TypeString, Kind: KindDimension, HasDictionary: true, MultiValue: true},
		},
	}
	s := newTestSegment(t, Config{SegmentName: "seg6", Schema: schema, Capacity: 10})

	tooMany := make([]Value, MaxMultiValuesPerRow+1)
	for i := range tooMany {
		tooMany[i] = StringValue("v")
	}

	_, err := s.Index(Row{MultiValues: map[string][]Value{"tags": tooMany}}, RowMetadata{})
	assert.ErrorIs(t, err, ErrRowTooManyValues)
	assert.Equal(t, int32(0), s.NumDocsIndexed())

	col := s.columns["tags"]
	assert.Equal(t, int32(0), col.dict.Length())
}

// TestMissingColumnRejectionLeavesNoTrace verifies a row missing a
// required single-value column is rejected before any column's
// dictionary is touched, even when an earlier column in column order
// would otherwise have been indexed successfully.
func TestMissingColumnRejectionLeavesNoTrace(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "dim", DataType: TypeString, Kind: KindDimension, HasDictionary: true},
			{Name: "metric", DataType: TypeInt64, Kind: KindMetric, FoldOp: FoldSum},
		},
	}
	s := newTestSegment(t, Config{SegmentName: "seg12", Schema: schema, Capacity: 10})

	_, err := s.Index(Row{Values: map[string]Value{"dim": StringValue("a")}}, RowMetadata{})
	assert.ErrorIs(t, err, ErrUnknownColumn)
	assert.Equal(t, int32(0), s.NumDocsIndexed())

	col := s.columns["dim"]
	assert.Equal(t, int32(0), col.dict.Length())
}

// TestIndexRejectsAfterFreeze verifies Freeze blocks further writes.
func TestIndexRejectsAfterFreeze(t *testing.T) {
	s := newTestSegment(t, Config{SegmentName: "seg7", Schema: simpleSchema(), Capacity: 10})
	s.Freeze()
	_, err := s.Index(Row{Values: map[string]Value{"dim": StringValue("a"), "metric": Int64Value(1)}}, RowMetadata{})
	assert.ErrorIs(t, err, ErrSegmentClosed)
}

// TestDataSourceUnknownColumn verifies an unknown column is rejected with
// ErrUnknownColumn while a schema column resolves to its field spec.
func TestDataSourceUnknownColumn(t *testing.T) {
	s := newTestSegment(t, Config{SegmentName: "seg8", Schema: simpleSchema(), Capacity: 10})
	_, err := s.DataSource("nope")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	ds, err := s.DataSource("dim")
	require.NoError(t, err)
	assert.Equal(t, "dim", ds.Field.Name)
}

// TestRecordOutOfRangeDocId verifies an unpublished docId is rejected.
func TestRecordOutOfRangeDocId(t *testing.T) {
	s := newTestSegment(t, Config{SegmentName: "seg9", Schema: simpleSchema(), Capacity: 10})
	_, err := s.Record(0, nil)
	assert.ErrorIs(t, err, ErrDocIdOutOfRange)
}

// TestDestroyIsIdempotent verifies calling Destroy twice is safe.
func TestDestroyIsIdempotent(t *testing.T) {
	s, err := NewMutableSegment(Config{SegmentName: "seg10", Schema: simpleSchema(), Capacity: 10})
	require.NoError(t, err)
	require.NoError(t, s.Destroy())
	require.NoError(t, s.Destroy())
}

// TestNoDictionaryStringRejected verifies a no-dictionary string column
// is rejected at construction, per the validation rule in §3.
func TestNoDictionaryStringRejected(t *testing.T) {
	schema := Schema{
		Columns: []FieldSpec{
			{Name: "dim", DataType: TypeString, Kind: KindDimension, HasDictionary: false},
		},
	}
	_, err := NewMutableSegment(Config{SegmentName: "seg11", Schema: schema, Capacity: 10})
	assert.ErrorIs(t, err, ErrNoDictionaryUnsupported)
}
