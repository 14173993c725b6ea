// Mutable per-column dictionary.
//
// Maps a column's distinct values to stable, monotonically assigned
// int32 ids. Ids are dense and contiguous in [0, cardinality) and, once
// returned, are never reassigned or relocated — growth rehashes the
// internal bucket table in place the same way the teacher's rehash.go
// rewrites a document's stored hash without touching its position or
// any other document's binding: growth here changes which bucket a key
// hashes into, never which id a key owns.
package colseg

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

const dictGrowthLoadFactor = 0.75

// Dictionary is the per-column value<->id mapping contract. One concrete
// implementation exists per DataType; all share identical semantics.
type Dictionary interface {
	// Index inserts value if absent and returns its id.
	Index(v Value) (int32, error)
	// IndexOf returns the id for value, or (-1, false) if absent.
	IndexOf(v Value) (int32, bool)
	// Get returns the value assigned to id.
	Get(id int32) (Value, error)
	// Length returns the current live cardinality.
	Length() int32
	// Compare orders two ids by their values' natural order.
	Compare(a, b int32) int
	// AvgValueSize reports the average stored value size in bytes, for
	// stats-history sizing estimates.
	AvgValueSize() float64
	// Close releases the dictionary's buffers.
	Close() error
}

// dictBucket is one slot in the open-addressed hash table mapping a
// value's hash to the id that owns it. An empty bucket has used == false.
type dictBucket struct {
	hash uint64
	id   int32
	used bool
}

// growDictBuckets doubles an open-addressed bucket table and rehashes
// every live entry into the new table without changing the id any entry
// carries — shared by both dictionary variants, which otherwise differ
// only in how they hash and compare the values those ids name.
func growDictBuckets(old []dictBucket, log *zap.SugaredLogger) []dictBucket {
	grown := make([]dictBucket, len(old)*2)
	mask := uint64(len(grown) - 1)
	for _, b := range old {
		if !b.used {
			continue
		}
		slot := int(b.hash & mask)
		for grown[slot].used {
			slot = (slot + 1) & int(mask)
		}
		grown[slot] = b
	}
	if log != nil {
		log.Debugw("dictionary bucket table grown", "new_capacity", len(grown))
	}
	return grown
}

// fixedDictionary backs int32/int64/float32/float64 columns: the reverse
// (id -> value) store is a simple growable slice, and the forward
// (value -> id) lookup is an open-addressed hash table over the hash of
// the value's bit pattern.
//
// mu guards values/buckets/count against the one hazard the rest of the
// segment's lock-free design doesn't have to deal with: Index can grow
// the bucket table or reallocate values's backing array out from under a
// concurrent reader, reassigning a slice header (pointer+len+cap) that a
// reader might be mid-dereference of. The forward index and inverted
// index never relocate a position once written, so they need no
// equivalent lock; a dictionary's hash table does.
type fixedDictionary[T int32 | int64 | float32 | float64] struct {
	dtype   DataType
	alg     int
	mu      sync.RWMutex
	values  []T
	buckets []dictBucket
	count   int32
	log     *zap.SugaredLogger
}

func newFixedDictionary[T int32 | int64 | float32 | float64](dtype DataType, estimatedCardinality, segmentCapacity, alg int, log *zap.SugaredLogger) *fixedDictionary[T] {
	initial := min(int(float64(estimatedCardinality)*1.10), segmentCapacity)
	if initial < 16 {
		initial = 16
	}
	return &fixedDictionary[T]{
		dtype:   dtype,
		alg:     alg,
		values:  make([]T, 0, initial),
		buckets: make([]dictBucket, nextPow2(initial*2)),
		log:     log,
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	if p < 8 {
		p = 8
	}
	return p
}

func hashOfFixed[T int32 | int64 | float32 | float64](v T, alg int) uint64 {
	switch x := any(v).(type) {
	case int32:
		return hashBytes([]byte{byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24)}, alg)
	case int64:
		b := make([]byte, 8)
		for i := range b {
			b[i] = byte(x >> (8 * i))
		}
		return hashBytes(b, alg)
	case float32:
		bits := math.Float32bits(x)
		return hashBytes([]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}, alg)
	case float64:
		bits := math.Float64bits(x)
		b := make([]byte, 8)
		for i := range b {
			b[i] = byte(bits >> (8 * i))
		}
		return hashBytes(b, alg)
	default:
		return 0
	}
}

func (d *fixedDictionary[T]) find(v T) (slot int, h uint64) {
	h = hashOfFixed(v, d.alg)
	mask := uint64(len(d.buckets) - 1)
	slot = int(h & mask)
	for d.buckets[slot].used {
		if d.buckets[slot].hash == h && d.values[d.buckets[slot].id] == v {
			return slot, h
		}
		slot = (slot + 1) & int(mask)
	}
	return slot, h
}

func (d *fixedDictionary[T]) Index(val Value) (int32, error) {
	v, err := fixedFromValue[T](val, d.dtype)
	if err != nil {
		return -1, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, h := d.find(v)
	if d.buckets[slot].used {
		return d.buckets[slot].id, nil
	}
	id := d.count
	d.values = append(d.values, v)
	d.buckets[slot] = dictBucket{hash: h, id: id, used: true}
	d.count++
	if float64(d.count) > float64(len(d.buckets))*dictGrowthLoadFactor {
		d.buckets = growDictBuckets(d.buckets, d.log)
	}
	return id, nil
}

func (d *fixedDictionary[T]) IndexOf(val Value) (int32, bool) {
	v, err := fixedFromValue[T](val, d.dtype)
	if err != nil {
		return -1, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	slot, _ := d.find(v)
	if d.buckets[slot].used {
		return d.buckets[slot].id, true
	}
	return -1, false
}

func (d *fixedDictionary[T]) Get(id int32) (Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 0 || id >= int32(len(d.values)) {
		return Value{}, fmt.Errorf("%w: dictionary id %d out of range", ErrTypeMismatch, id)
	}
	return fixedToValue(d.values[id], d.dtype), nil
}

func (d *fixedDictionary[T]) Length() int32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

func (d *fixedDictionary[T]) Compare(a, b int32) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	va, vb := d.values[a], d.values[b]
	switch {
	case va < vb:
		return -1
	case va > vb:
		return 1
	default:
		return 0
	}
}

func (d *fixedDictionary[T]) AvgValueSize() float64 {
	var zero T
	return float64(len(fixedBytes(zero)))
}

func (d *fixedDictionary[T]) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = nil
	d.buckets = nil
	return nil
}

func fixedFromValue[T int32 | int64 | float32 | float64](v Value, dtype DataType) (T, error) {
	var zero T
	switch dtype {
	case TypeInt32:
		if v.Type != TypeInt32 {
			return zero, ErrTypeMismatch
		}
		return any(v.I32).(T), nil
	case TypeInt64:
		if v.Type != TypeInt64 {
			return zero, ErrTypeMismatch
		}
		return any(v.I64).(T), nil
	case TypeFloat32:
		if v.Type != TypeFloat32 {
			return zero, ErrTypeMismatch
		}
		return any(v.F32).(T), nil
	case TypeFloat64:
		if v.Type != TypeFloat64 {
			return zero, ErrTypeMismatch
		}
		return any(v.F64).(T), nil
	default:
		return zero, ErrTypeMismatch
	}
}

func fixedToValue[T int32 | int64 | float32 | float64](v T, dtype DataType) Value {
	switch dtype {
	case TypeInt32:
		return Int32Value(any(v).(int32))
	case TypeInt64:
		return Int64Value(any(v).(int64))
	case TypeFloat32:
		return Float32Value(any(v).(float32))
	case TypeFloat64:
		return Float64Value(any(v).(float64))
	default:
		return Value{}
	}
}

func fixedBytes[T int32 | int64 | float32 | float64](v T) []byte {
	switch any(v).(type) {
	case int32, float32:
		return make([]byte, 4)
	default:
		return make([]byte, 8)
	}
}

// bytesDictionary backs string and bytes columns. Values are stored in
// an append-only raw region with an offset table, the same layout the
// teacher package uses for its append-only record log (record.go):
// each accepted value is appended once and never rewritten, and its
// position is recovered by offset rather than by re-scanning content.
// The raw region is a buffer acquired from the segment's MemoryManager
// so string/bytes dictionaries — typically the largest consumer of a
// segment's off-heap budget — are counted and released there.
type bytesDictionary struct {
	dtype   DataType // TypeString or TypeBytes; selects Get's return variant
	alg     int
	mem     *MemoryManager
	mu      sync.RWMutex // see fixedDictionary.mu; same hazard, same fix
	buf     buffer
	rawLen  int
	offsets []int32 // offsets[i]..offsets[i+1] is the byte range for id i
	buckets []dictBucket
	count   int32
	log     *zap.SugaredLogger
}

func newBytesDictionary(mem *MemoryManager, context string, dtype DataType, estimatedCardinality, segmentCapacity, avgValueSize, alg int, log *zap.SugaredLogger) (*bytesDictionary, error) {
	initial := min(int(float64(estimatedCardinality)*1.10), segmentCapacity)
	if initial < 16 {
		initial = 16
	}
	buf, err := mem.Allocate(context, initial*max(avgValueSize, 8))
	if err != nil {
		return nil, err
	}
	return &bytesDictionary{
		dtype:   dtype,
		alg:     alg,
		mem:     mem,
		buf:     buf,
		offsets: make([]int32, 1, initial+1),
		buckets: make([]dictBucket, nextPow2(initial*2)),
		log:     log,
	}, nil
}

// ensureCapacity grows the backing buffer so at least n more bytes can be
// appended, doubling geometrically like the teacher's payload regions.
func (d *bytesDictionary) ensureCapacity(n int) error {
	need := d.rawLen + n
	if need <= d.buf.Size() {
		return nil
	}
	newSize := d.buf.Size() * 2
	if newSize < need {
		newSize = need
	}
	return d.mem.Resize(d.buf, newSize)
}

func (d *bytesDictionary) bytesOf(val Value) ([]byte, error) {
	switch val.Type {
	case TypeString:
		return []byte(val.Str), nil
	case TypeBytes:
		return val.Bytes, nil
	default:
		return nil, ErrTypeMismatch
	}
}

func (d *bytesDictionary) slotFor(b []byte) (slot int, h uint64) {
	h = hashBytes(b, d.alg)
	mask := uint64(len(d.buckets) - 1)
	slot = int(h & mask)
	for d.buckets[slot].used {
		if d.buckets[slot].hash == h && bytesEqual(d.valueBytes(d.buckets[slot].id), b) {
			return slot, h
		}
		slot = (slot + 1) & int(mask)
	}
	return slot, h
}

func (d *bytesDictionary) valueBytes(id int32) []byte {
	return d.buf.Bytes()[d.offsets[id]:d.offsets[id+1]]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *bytesDictionary) Index(val Value) (int32, error) {
	b, err := d.bytesOf(val)
	if err != nil {
		return -1, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, h := d.slotFor(b)
	if d.buckets[slot].used {
		return d.buckets[slot].id, nil
	}
	if err := d.ensureCapacity(len(b)); err != nil {
		return -1, err
	}
	id := d.count
	copy(d.buf.Bytes()[d.rawLen:], b)
	d.rawLen += len(b)
	d.offsets = append(d.offsets, int32(d.rawLen))
	d.buckets[slot] = dictBucket{hash: h, id: id, used: true}
	d.count++
	if float64(d.count) > float64(len(d.buckets))*dictGrowthLoadFactor {
		d.buckets = growDictBuckets(d.buckets, d.log)
	}
	return id, nil
}

func (d *bytesDictionary) IndexOf(val Value) (int32, bool) {
	b, err := d.bytesOf(val)
	if err != nil {
		return -1, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	slot, _ := d.slotFor(b)
	if d.buckets[slot].used {
		return d.buckets[slot].id, true
	}
	return -1, false
}

func (d *bytesDictionary) Get(id int32) (Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 0 || id >= d.count {
		return Value{}, fmt.Errorf("%w: dictionary id %d out of range", ErrTypeMismatch, id)
	}
	b := d.valueBytes(id)
	if d.dtype == TypeBytes {
		return BytesValue(append([]byte(nil), b...)), nil
	}
	return StringValue(string(b)), nil
}

func (d *bytesDictionary) Length() int32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

func (d *bytesDictionary) Compare(a, b int32) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	va, vb := d.valueBytes(a), d.valueBytes(b)
	n := min(len(va), len(vb))
	for i := 0; i < n; i++ {
		if va[i] != vb[i] {
			return cmpOrdered(va[i], vb[i])
		}
	}
	return cmpOrdered(len(va), len(vb))
}

func (d *bytesDictionary) AvgValueSize() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.count == 0 {
		return 0
	}
	return float64(d.rawLen) / float64(d.count)
}

func (d *bytesDictionary) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.buf.Release()
	d.offsets = nil
	d.buckets = nil
	return err
}

// NewDictionary constructs the concrete Dictionary implementation for
// dtype, sized per §4.2: initial capacity min(estimatedCardinality*1.10,
// segmentCapacity). context follows the "<segmentName>:<columnName>Dict"
// convention from §4.1 and is only used for string/bytes columns, the
// only variant backed by the memory manager.
func NewDictionary(mem *MemoryManager, context string, dtype DataType, estimatedCardinality, segmentCapacity, avgValueSize, alg int, log *zap.SugaredLogger) (Dictionary, error) {
	switch dtype {
	case TypeInt32:
		return newFixedDictionary[int32](dtype, estimatedCardinality, segmentCapacity, alg, log), nil
	case TypeInt64:
		return newFixedDictionary[int64](dtype, estimatedCardinality, segmentCapacity, alg, log), nil
	case TypeFloat32:
		return newFixedDictionary[float32](dtype, estimatedCardinality, segmentCapacity, alg, log), nil
	case TypeFloat64:
		return newFixedDictionary[float64](dtype, estimatedCardinality, segmentCapacity, alg, log), nil
	default: // TypeString, TypeBytes
		return newBytesDictionary(mem, context, dtype, estimatedCardinality, segmentCapacity, avgValueSize, alg, log)
	}
}
