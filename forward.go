// Forward index: docId -> value (or dictionary id).
//
// Single-value columns use a dense array of fixed-width slots addressed
// by docId. Multi-value columns use a two-level layout: a dense header
// array of (offset, length) pairs indexed by docId, and a payload region
// holding packed int32 dictionary ids, grown in geometric chunks — the
// same shape as the teacher's append-only record log plus offset table
// (record.go / header.go), generalized from "byte offset of a JSON line"
// to "int32 offset into a payload region of packed ids".
package colseg

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MaxMultiValuesPerRow is the hard per-row cap on a multi-value column's
// entry count (§3, §4.3).
const MaxMultiValuesPerRow = 1000

// ForwardIndex is the per-column forward-index contract. Writes must
// happen-before the caller advances the segment's visibility counter;
// readers bound every traversal by a numDocsIndexed value captured once
// at the start of an operation.
type ForwardIndex interface {
	Close() error
}

// SingleValueForward stores one fixed-width slot per docId.
type SingleValueForward struct {
	mem      *MemoryManager
	buf      buffer
	width    int
	docCount int32
}

// NewSingleValueForward allocates a single-value forward index sized for
// capacity docs of width bytes each (4 for a dictionary id, or the
// data type's native width for a no-dictionary column).
func NewSingleValueForward(mem *MemoryManager, context string, width, capacity int) (*SingleValueForward, error) {
	buf, err := mem.Allocate(context, width*capacity)
	if err != nil {
		return nil, err
	}
	return &SingleValueForward{mem: mem, buf: buf, width: width}, nil
}

func (f *SingleValueForward) slot(docId int32) []byte {
	off := int(docId) * f.width
	return f.buf.Bytes()[off : off+f.width]
}

// PutInt32 writes a dictionary id (or a raw int32/float32 no-dictionary
// value) at docId. Ordinarily called exactly once per docId, before the
// docId becomes visible; metric-aggregation collapse is the one case
// that calls it again for an already-published docId (§4.6 fold path),
// so the store is atomic rather than a plain byte-slice write — a
// concurrent GetInt32 must see either the old or the new value, never a
// torn mix of both, per the no-torn-reads contract in §5.
func (f *SingleValueForward) PutInt32(docId int32, v int32) {
	b := f.slot(docId)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), uint32(v))
}

func (f *SingleValueForward) GetInt32(docId int32) int32 {
	b := f.slot(docId)
	return int32(atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0]))))
}

// PutInt64 writes a raw int64/float64 no-dictionary value; see PutInt32
// on why this is an atomic store rather than encoding/binary.
func (f *SingleValueForward) PutInt64(docId int32, v int64) {
	b := f.slot(docId)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), uint64(v))
}

func (f *SingleValueForward) GetInt64(docId int32) int64 {
	b := f.slot(docId)
	return int64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0]))))
}

func (f *SingleValueForward) Close() error {
	return f.buf.Release()
}

// multiValueHeader is the (offset, length) pair recorded per docId into
// the payload region.
type multiValueHeader struct {
	offset int32
	length int32
}

// MultiValueForward stores a variable-length sequence of dictionary ids
// per docId: a dense header array plus a geometrically-grown payload.
type MultiValueForward struct {
	mem        *MemoryManager
	headers    []multiValueHeader
	payload    buffer
	payloadMem *MemoryManager
	payloadLen int
}

// NewMultiValueForward allocates a multi-value forward index. capacity
// bounds the header array (one entry per docId); avgMultiValues sizes
// the initial payload region.
func NewMultiValueForward(mem *MemoryManager, context string, capacity, avgMultiValues int) (*MultiValueForward, error) {
	if avgMultiValues < 1 {
		avgMultiValues = 1
	}
	buf, err := mem.Allocate(context+"Payload", capacity*avgMultiValues*4)
	if err != nil {
		return nil, err
	}
	return &MultiValueForward{
		mem:        mem,
		headers:    make([]multiValueHeader, capacity),
		payload:    buf,
		payloadMem: mem,
	}, nil
}

// Put writes the dictionary ids for docId. values must not exceed
// MaxMultiValuesPerRow; callers are expected to check that cap
// themselves and treat a violation as a fatal ingestion error (§4.3).
func (f *MultiValueForward) Put(docId int32, values []int32) error {
	if len(values) > MaxMultiValuesPerRow {
		return ErrRowTooManyValues
	}
	if int(docId) >= len(f.headers) {
		return fmt.Errorf("%w: docId %d exceeds header capacity", ErrSegmentFull, docId)
	}

	needBytes := len(values) * 4
	if f.payloadLen+needBytes > f.payload.Size() {
		newSize := f.payload.Size() * 2
		if newSize < f.payloadLen+needBytes {
			newSize = f.payloadLen + needBytes
		}
		if err := f.payloadMem.Resize(f.payload, newSize); err != nil {
			return err
		}
	}
	off := f.payloadLen
	b := f.payload.Bytes()
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[off+i*4:off+i*4+4], uint32(v))
	}
	f.payloadLen += needBytes

	f.headers[docId] = multiValueHeader{offset: int32(off / 4), length: int32(len(values))}
	return nil
}

// Get returns the dictionary ids stored for docId, in insertion order.
func (f *MultiValueForward) Get(docId int32) []int32 {
	h := f.headers[docId]
	if h.length == 0 {
		return nil
	}
	b := f.payload.Bytes()
	out := make([]int32, h.length)
	base := int(h.offset) * 4
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[base+i*4 : base+i*4+4]))
	}
	return out
}

func (f *MultiValueForward) Close() error {
	f.headers = nil
	return f.payload.Release()
}
