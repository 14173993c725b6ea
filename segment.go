// Mutable segment: the ingestion and read coordinator.
//
// Owns every per-column structure (dictionary, forward index, inverted
// index, optional bloom filter), the optional record-id map, and the
// segment's one memory manager. The two-state blocking model (accepting
// writes, then frozen) is a deliberate simplification of the teacher's
// four-state StateAll/StateRead/StateNone/StateClosed machine in db.go:
// this segment has exactly one writer and no OS-level file lock to
// coordinate, so "accepting" and "frozen" are the only states that
// matter. Close/teardown follows db.go's Close: walk every owned
// resource, log-and-continue on each failure, never abort partway.
package colseg

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PartitionConfig optionally scopes a segment to one partition of a
// stream, named in the construction contract (§6) but otherwise opaque
// to this module — routing rows to the right segment is the stream
// consumer's job (out of scope per §1).
type PartitionConfig struct {
	PartitionColumn string
	PartitionId     int
}

// Config is the segment construction contract (§6).
type Config struct {
	SegmentName          string
	Schema               Schema
	Capacity             int
	OffHeap              bool
	MemoryManager        *MemoryManager // used if supplied, otherwise one is created; either way Destroy closes it
	StatsHistory         *StatsHistory
	StreamName           string
	AvgMultiValues       int
	NoDictionaryColumns  map[string]bool
	InvertedIndexColumns map[string]bool
	AggregateMetrics     bool
	Partition            *PartitionConfig
	VirtualColumns       map[string]VirtualColumnProvider
	HashAlg              int // defaults to AlgXXHash3
	Logger               *zap.SugaredLogger
}

// columnState bundles one column's physical structures.
type columnState struct {
	spec            FieldSpec
	dict            Dictionary // nil for a no-dictionary column
	sv              *SingleValueForward
	mv              *MultiValueForward
	inverted        *InvertedIndex
	bloom           *BloomFilter
	maxValuesPerRow int32
}

// MutableSegment is the coordinator described in §2 component 7 and §4.6.
type MutableSegment struct {
	log            *zap.SugaredLogger
	name           string
	schema         Schema
	capacity       int
	offHeap        bool
	mem            *MemoryManager
	stats          *StatsHistory
	streamName     string
	partition      *PartitionConfig
	virtualColumns map[string]VirtualColumnProvider
	createdAt      time.Time

	columns     map[string]*columnState
	columnOrder []string
	timeColumn  string

	aggregationEnabled bool
	dimensionColumns   []FieldSpec
	recordIdMap        *RecordIdMap

	numDocsIndexed        atomic.Int32
	minTimeMs             atomic.Int64
	maxTimeMs             atomic.Int64
	lastIndexedTimeMs     atomic.Int64
	latestIngestionTimeMs atomic.Int64
	rowsConsumed          atomic.Int64

	frozen    atomic.Bool
	destroyed atomic.Bool
}

// NewMutableSegment constructs a segment per the construction contract
// in §6, sizing every structure from the most recent stats-history
// snapshot for this segment name when one is available.
func NewMutableSegment(cfg Config) (*MutableSegment, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("colseg: capacity must be positive")
	}
	alg := cfg.HashAlg
	if alg == 0 {
		alg = AlgXXHash3
	}
	avgMV := cfg.AvgMultiValues
	if avgMV < 1 {
		avgMV = 1
	}

	mem := cfg.MemoryManager
	if mem == nil {
		mem = NewMemoryManager(cfg.OffHeap, log)
	}

	var latest StatsRecord
	var hasLatest bool
	if cfg.StatsHistory != nil {
		latest, hasLatest = cfg.StatsHistory.Latest(cfg.SegmentName)
	}
	statsFor := func(name string) (cardinality, avgSize int) {
		cardinality, avgSize = 1000, 16
		if !hasLatest {
			return
		}
		for _, c := range latest.Columns {
			if c.Name != name {
				continue
			}
			if c.Cardinality > 0 {
				cardinality = int(c.Cardinality)
			}
			if c.AvgValueSize > 0 {
				avgSize = int(math.Ceil(c.AvgValueSize))
			}
		}
		return
	}

	schema := cfg.Schema
	columns := make(map[string]*columnState, len(schema.Columns))
	order := make([]string, 0, len(schema.Columns))

	for _, spec := range schema.Columns {
		if cfg.NoDictionaryColumns[spec.Name] {
			spec.HasDictionary = false
		}
		if cfg.InvertedIndexColumns[spec.Name] {
			spec.HasInvertedIndex = true
		}
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("colseg: column %q: %w", spec.Name, err)
		}

		cs := &columnState{spec: spec}
		cardinality, avgSize := statsFor(spec.Name)

		if spec.HasDictionary {
			ctx := fmt.Sprintf("%s:%sDict", cfg.SegmentName, spec.Name)
			d, err := NewDictionary(mem, ctx, spec.DataType, cardinality, cfg.Capacity, avgSize, alg, log)
			if err != nil {
				return nil, err
			}
			cs.dict = d
		}

		width := 4 // dictionary id width
		if !spec.HasDictionary {
			width = spec.DataType.Width()
		}

		ctx := fmt.Sprintf("%s:%sForward", cfg.SegmentName, spec.Name)
		if spec.MultiValue {
			mv, err := NewMultiValueForward(mem, ctx, cfg.Capacity, avgMV)
			if err != nil {
				return nil, err
			}
			cs.mv = mv
		} else {
			sv, err := NewSingleValueForward(mem, ctx, width, cfg.Capacity)
			if err != nil {
				return nil, err
			}
			cs.sv = sv
		}

		if spec.HasInvertedIndex {
			cs.inverted = NewInvertedIndex()
		}
		// Bloom filters are populated at seal time only (§4 component 5);
		// this module allocates the filter so a segment-builder has
		// somewhere to write it, but never populates it during ingestion.
		if spec.HasBloomFilter {
			cs.bloom = NewBloomFilter(max(cardinality, 1), 0.01)
		}

		columns[spec.Name] = cs
		order = append(order, spec.Name)
	}

	seg := &MutableSegment{
		log:            log,
		name:           cfg.SegmentName,
		schema:         schema,
		capacity:       cfg.Capacity,
		offHeap:        cfg.OffHeap,
		mem:            mem,
		stats:          cfg.StatsHistory,
		streamName:     cfg.StreamName,
		partition:      cfg.Partition,
		virtualColumns: cfg.VirtualColumns,
		columns:        columns,
		columnOrder:    order,
		timeColumn:     schema.TimeField,
		createdAt:      time.Now(),
	}
	seg.minTimeMs.Store(math.MaxInt64)
	seg.maxTimeMs.Store(math.MinInt64)

	seg.enableAggregation(cfg.AggregateMetrics)
	if seg.aggregationEnabled {
		seg.dimensionColumns = schema.DimensionColumns()
		keyLen := len(seg.dimensionColumns)
		if schema.TimeField != "" {
			keyLen++
		}
		seg.recordIdMap = NewRecordIdMap(keyLen, cfg.Capacity)
	}

	return seg, nil
}

// enableAggregation implements the enablement rule in §4.6: every
// metric column no-dictionary and single-value, every dimension column
// dictionary-encoded and single-value, time column dictionary-encoded.
// Any failing condition disables aggregation and logs a warning.
func (s *MutableSegment) enableAggregation(requested bool) {
	if !requested {
		return
	}
	enabled := true
	reason := ""

	for _, m := range s.schema.MetricColumns() {
		col := s.columns[m.Name]
		if col.spec.HasDictionary || col.spec.MultiValue {
			enabled = false
			reason = fmt.Sprintf("metric column %q must be no-dictionary and single-value", m.Name)
			break
		}
	}
	if enabled {
		for _, d := range s.schema.DimensionColumns() {
			col := s.columns[d.Name]
			if !col.spec.HasDictionary || col.spec.MultiValue {
				enabled = false
				reason = fmt.Sprintf("dimension column %q must be dictionary-encoded and single-value", d.Name)
				break
			}
		}
	}
	if enabled && s.schema.TimeField != "" {
		tc, ok := s.columns[s.schema.TimeField]
		if !ok || !tc.spec.HasDictionary {
			enabled = false
			reason = fmt.Sprintf("time column %q must be dictionary-encoded", s.schema.TimeField)
		}
	}

	s.aggregationEnabled = enabled
	if !enabled {
		s.log.Warnw("metric aggregation disabled at construction", "segment", s.name, "reason", reason)
	}
}

func (s *MutableSegment) isClosed() bool {
	return s.frozen.Load() || s.destroyed.Load()
}

// Index implements the five-phase ingestion algorithm in §4.6.
func (s *MutableSegment) Index(row Row, meta RowMetadata) (canTakeMore bool, err error) {
	if s.isClosed() {
		return false, ErrSegmentClosed
	}
	if s.numDocsIndexed.Load() >= int32(s.capacity) {
		return false, ErrSegmentFull
	}

	// Validate structural constraints across the whole row before
	// mutating any dictionary, so a rejected row leaves no trace: every
	// required value must be present and every multi-value cap must hold
	// (scenario 6), checked for every column before Phase 1 touches the
	// first one. Otherwise a row missing column B would still leave the
	// id it assigned column A permanently in A's dictionary.
	for _, name := range s.columnOrder {
		col := s.columns[name]
		if col.spec.MultiValue {
			if len(row.MultiValues[name]) > MaxMultiValuesPerRow {
				return false, fmt.Errorf("%w: column %q", ErrRowTooManyValues, name)
			}
			continue
		}
		if _, ok := row.Values[name]; !ok {
			return false, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
	}

	// Phase 1: dictionary update.
	singleIds := make(map[string]int32, len(s.columnOrder))
	multiIds := make(map[string][]int32)

	for _, name := range s.columnOrder {
		col := s.columns[name]

		if col.spec.MultiValue {
			vals := row.MultiValues[name]
			ids := make([]int32, len(vals))
			for i, v := range vals {
				id, ierr := col.dict.Index(v)
				if ierr != nil {
					return false, ierr
				}
				ids[i] = id
			}
			multiIds[name] = ids
			if int32(len(ids)) > col.maxValuesPerRow {
				col.maxValuesPerRow = int32(len(ids))
			}
			continue
		}

		val := row.Values[name]
		if col.dict != nil {
			id, ierr := col.dict.Index(val)
			if ierr != nil {
				return false, ierr
			}
			singleIds[name] = id
		}
		if col.spec.Kind == KindTime {
			t := valueAsInt64(val)
			if t < s.minTimeMs.Load() {
				s.minTimeMs.Store(t)
			}
			if t > s.maxTimeMs.Load() {
				s.maxTimeMs.Store(t)
			}
		}
	}

	// Phase 2: docId resolution.
	var docId int32
	isNewDoc := true
	if s.aggregationEnabled {
		key := make([]int32, 0, len(s.dimensionColumns)+1)
		for _, d := range s.dimensionColumns {
			key = append(key, singleIds[d.Name])
		}
		if s.timeColumn != "" {
			key = append(key, singleIds[s.timeColumn])
		}
		var perr error
		docId, isNewDoc, perr = s.recordIdMap.Put(key, s.numDocsIndexed.Load())
		if perr != nil {
			return false, perr
		}
		if !isNewDoc && docId >= s.numDocsIndexed.Load() {
			return false, ErrAggregationCorruption
		}
	} else {
		docId = s.numDocsIndexed.Load()
	}

	// Phase 3: branch on docId.
	if isNewDoc {
		for _, name := range s.columnOrder {
			col := s.columns[name]
			if col.spec.MultiValue {
				if werr := col.mv.Put(docId, multiIds[name]); werr != nil {
					return false, werr
				}
				continue
			}
			if col.dict != nil {
				col.sv.PutInt32(docId, singleIds[name])
			} else {
				if werr := putRawSingleValue(col.sv, col.spec.DataType, docId, row.Values[name]); werr != nil {
					return false, werr
				}
			}
		}
		// Inverted index is written after the forward index and before
		// the visibility counter: it is the act that would make a
		// partially built row queryable via a scan (§4.6 ordering
		// rationale), so it must see a fully written forward index but
		// must itself complete before publication.
		for _, name := range s.columnOrder {
			col := s.columns[name]
			if col.inverted == nil {
				continue
			}
			if col.spec.MultiValue {
				for _, id := range multiIds[name] {
					col.inverted.Add(id, docId)
				}
			} else {
				col.inverted.Add(singleIds[name], docId)
			}
		}
		s.numDocsIndexed.Store(docId + 1)
	} else {
		for _, m := range s.schema.MetricColumns() {
			col := s.columns[m.Name]
			if col.spec.MultiValue {
				return false, ErrMultiValueMetric
			}
			newVal, ok := row.Values[m.Name]
			if !ok {
				return false, fmt.Errorf("%w: %q", ErrUnknownColumn, m.Name)
			}
			cur := getRawSingleValue(col.sv, col.spec.DataType, docId)
			folded, ferr := foldInto(cur, newVal, m.FoldOp)
			if ferr != nil {
				return false, ferr
			}
			if werr := putRawSingleValue(col.sv, col.spec.DataType, docId, folded); werr != nil {
				return false, werr
			}
		}
	}

	// Phase 4: metadata update.
	now := time.Now().UnixMilli()
	s.lastIndexedTimeMs.Store(now)
	if meta.IngestionTimeMs != 0 && meta.IngestionTimeMs > s.latestIngestionTimeMs.Load() {
		s.latestIngestionTimeMs.Store(meta.IngestionTimeMs)
	}
	s.rowsConsumed.Add(1)

	// Phase 5.
	return s.numDocsIndexed.Load() < int32(s.capacity), nil
}

func valueAsInt64(v Value) int64 {
	switch v.Type {
	case TypeInt32:
		return int64(v.I32)
	case TypeInt64:
		return v.I64
	case TypeFloat32:
		return int64(v.F32)
	case TypeFloat64:
		return int64(v.F64)
	default:
		return 0
	}
}

func putRawSingleValue(f *SingleValueForward, dtype DataType, docId int32, v Value) error {
	switch dtype {
	case TypeInt32:
		f.PutInt32(docId, v.I32)
	case TypeInt64:
		f.PutInt64(docId, v.I64)
	case TypeFloat32:
		f.PutInt32(docId, int32(math.Float32bits(v.F32)))
	case TypeFloat64:
		f.PutInt64(docId, int64(math.Float64bits(v.F64)))
	default:
		return ErrTypeMismatch
	}
	return nil
}

func getRawSingleValue(f *SingleValueForward, dtype DataType, docId int32) Value {
	switch dtype {
	case TypeInt32:
		return Int32Value(f.GetInt32(docId))
	case TypeInt64:
		return Int64Value(f.GetInt64(docId))
	case TypeFloat32:
		return Float32Value(math.Float32frombits(uint32(f.GetInt32(docId))))
	case TypeFloat64:
		return Float64Value(math.Float64frombits(uint64(f.GetInt64(docId))))
	default:
		return Value{}
	}
}

// NumDocsIndexed returns the current visibility counter.
func (s *MutableSegment) NumDocsIndexed() int32 {
	return s.numDocsIndexed.Load()
}

// SegmentMetadata is the live metadata view named in §4.7/§6/§9 ("model
// as a view that borrows from the live segment and reads the counters
// at call time; no inheritance").
type SegmentMetadata struct {
	SegmentName           string
	StreamName            string
	NumDocs               int32
	MinTimeMs             int64
	MaxTimeMs             int64
	LastIndexedTimeMs     int64
	LatestIngestionTimeMs int64
}

// SegmentMetadata returns a snapshot of the live counters.
func (s *MutableSegment) SegmentMetadata() SegmentMetadata {
	min := s.minTimeMs.Load()
	max := s.maxTimeMs.Load()
	if min == math.MaxInt64 {
		min = 0
	}
	if max == math.MinInt64 {
		max = 0
	}
	return SegmentMetadata{
		SegmentName:           s.name,
		StreamName:            s.streamName,
		NumDocs:               s.numDocsIndexed.Load(),
		MinTimeMs:             min,
		MaxTimeMs:             max,
		LastIndexedTimeMs:     s.lastIndexedTimeMs.Load(),
		LatestIngestionTimeMs: s.latestIngestionTimeMs.Load(),
	}
}

// DataSource is the read-only bundle described in §4.7: field spec,
// current visibility counter, max multi-values seen, and whichever
// readers apply to this column.
type DataSource struct {
	Field           FieldSpec
	NumDocsIndexed  int32
	MaxValuesPerRow int32
	Forward         ForwardIndex
	Inverted        *InvertedIndex
	Dictionary      Dictionary
	Bloom           *BloomFilter
	Virtual         VirtualColumnProvider
}

// DataSource returns the read-only view for column.
func (s *MutableSegment) DataSource(column string) (DataSource, error) {
	if vp, ok := s.virtualColumns[column]; ok {
		return DataSource{
			Field:          FieldSpec{Name: column},
			NumDocsIndexed: s.numDocsIndexed.Load(),
			Virtual:        vp,
		}, nil
	}
	col, ok := s.columns[column]
	if !ok {
		return DataSource{}, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	var fwd ForwardIndex
	if col.spec.MultiValue {
		fwd = col.mv
	} else {
		fwd = col.sv
	}
	return DataSource{
		Field:           col.spec,
		NumDocsIndexed:  s.numDocsIndexed.Load(),
		MaxValuesPerRow: col.maxValuesPerRow,
		Forward:         fwd,
		Inverted:        col.inverted,
		Dictionary:      col.dict,
		Bloom:           col.bloom,
	}, nil
}

// Record reconstructs docId's row across every physical and virtual
// column, dereferencing dictionaries where present. reuse, if non-nil,
// is repopulated and returned instead of allocating a new Row.
func (s *MutableSegment) Record(docId int32, reuse *Row) (Row, error) {
	if docId < 0 || docId >= s.numDocsIndexed.Load() {
		return Row{}, ErrDocIdOutOfRange
	}

	row := reuse
	if row == nil {
		row = &Row{}
	}
	if row.Values == nil {
		row.Values = make(map[string]Value, len(s.columnOrder))
	} else {
		for k := range row.Values {
			delete(row.Values, k)
		}
	}
	if row.MultiValues == nil {
		row.MultiValues = make(map[string][]Value)
	} else {
		for k := range row.MultiValues {
			delete(row.MultiValues, k)
		}
	}

	for _, name := range s.columnOrder {
		col := s.columns[name]
		if col.spec.MultiValue {
			ids := col.mv.Get(docId)
			vals := make([]Value, len(ids))
			for i, id := range ids {
				v, err := col.dict.Get(id)
				if err != nil {
					return Row{}, err
				}
				vals[i] = v
			}
			row.MultiValues[name] = vals
			continue
		}
		if col.dict != nil {
			v, err := col.dict.Get(col.sv.GetInt32(docId))
			if err != nil {
				return Row{}, err
			}
			row.Values[name] = v
		} else {
			row.Values[name] = getRawSingleValue(col.sv, col.spec.DataType, docId)
		}
	}
	for name, vp := range s.virtualColumns {
		v, err := vp.Value(docId, name)
		if err != nil {
			return Row{}, err
		}
		row.Values[name] = v
	}

	return *row, nil
}

// SortedDocIdIteration returns a docId permutation that visits rows in
// ascending order of column, per §4.7: sort the dictionary ids by
// value, then concatenate posting lists in that order.
func (s *MutableSegment) SortedDocIdIteration(column string) ([]int32, error) {
	col, ok := s.columns[column]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	if col.dict == nil {
		return nil, ErrNotDictionaryEncoded
	}
	if col.inverted == nil {
		return nil, ErrNotInvertedIndexed
	}

	n := col.dict.Length()
	dictIds := make([]int32, n)
	for i := range dictIds {
		dictIds[i] = int32(i)
	}
	sort.Slice(dictIds, func(i, j int) bool {
		return col.dict.Compare(dictIds[i], dictIds[j]) < 0
	})

	maxDoc := s.numDocsIndexed.Load()
	out := make([]int32, 0, maxDoc)
	for _, id := range dictIds {
		out = append(out, col.inverted.GetDocIds(id, maxDoc)...)
	}
	if int32(len(out)) != maxDoc {
		return nil, fmt.Errorf("colseg: sorted iteration produced %d docIds, want %d", len(out), maxDoc)
	}
	return out, nil
}

// Freeze idempotently stops the segment from accepting further Index
// calls without releasing any memory. Grounded on the teacher's
// StateAll -> StateRead transition in db.go, generalized from an
// OS-lock-coordinated four-state machine down to the two states this
// segment's single-writer contract actually needs.
func (s *MutableSegment) Freeze() {
	s.frozen.Store(true)
}

// Destroy tears the segment down per §4.8: snapshots statistics when
// off-heap and at least one row was indexed, then closes every index,
// dictionary, and the record-id map, and finally releases the memory
// manager. Idempotent; errors from individual resources are logged and
// joined rather than aborting teardown of the rest.
func (s *MutableSegment) Destroy() error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	s.frozen.Store(true)

	rowsIndexed := s.numDocsIndexed.Load()
	if s.offHeap && rowsIndexed > 0 && s.stats != nil {
		cols := make([]ColumnStat, 0, len(s.columnOrder))
		for _, name := range s.columnOrder {
			col := s.columns[name]
			var cardinality int32
			var avgSize float64
			if col.dict != nil {
				cardinality = col.dict.Length()
				avgSize = col.dict.AvgValueSize()
			}
			cols = append(cols, ColumnStat{Name: name, Cardinality: cardinality, AvgValueSize: avgSize})
		}
		rec := StatsRecord{
			SegmentName:  s.name,
			Timestamp:    time.Now().UnixMilli(),
			RowsConsumed: s.rowsConsumed.Load(),
			RowsIndexed:  int64(rowsIndexed),
			BytesUsed:    s.mem.TotalBytes(),
			Seconds:      time.Since(s.createdAt).Seconds(),
			Columns:      cols,
		}
		if err := s.stats.Append(rec); err != nil {
			s.log.Errorw("stats history append failed", "segment", s.name, "error", err)
		}
	}

	var errs []error
	for _, name := range s.columnOrder {
		col := s.columns[name]
		if col.sv != nil {
			if err := col.sv.Close(); err != nil {
				s.log.Errorw("forward index close failed", "column", name, "error", err)
				errs = append(errs, err)
			}
		}
		if col.mv != nil {
			if err := col.mv.Close(); err != nil {
				s.log.Errorw("forward index close failed", "column", name, "error", err)
				errs = append(errs, err)
			}
		}
		if col.inverted != nil {
			if err := col.inverted.Close(); err != nil {
				s.log.Errorw("inverted index close failed", "column", name, "error", err)
				errs = append(errs, err)
			}
		}
		if col.dict != nil {
			if err := col.dict.Close(); err != nil {
				s.log.Errorw("dictionary close failed", "column", name, "error", err)
				errs = append(errs, err)
			}
		}
	}
	if s.recordIdMap != nil {
		if err := s.recordIdMap.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.mem.Close(); err != nil {
		s.log.Errorw("memory manager close failed", "segment", s.name, "error", err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
