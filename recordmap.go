// Record-id map for metric pre-aggregation.
//
// Maps a fixed-length dimension key (dictionary ids for the dimension
// columns plus the time column) to the docId that first carried it.
// Backed by two open-addressed tables — a primary table sized for the
// estimated row volume and a smaller overflow table for entries whose
// probe sequence runs past a bounded chain length — grounded on the
// teacher's rehash.go (rewriting a binding in place without disturbing
// any other entry's position) and its default xxh3 hash algorithm
// (hash.go), generalized from hashing a string label to hashing a
// fixed-length key's raw bytes. Table slots hold a []int32 key rather
// than a memory-manager byte buffer — see DESIGN.md for why the typed
// []int32 comparison on every probe made that wiring not worth the
// unsafe-pointer cost it would require.
package colseg

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// maxProbeChain bounds how far a primary-table probe sequence runs
// before an entry spills into the overflow table.
const maxProbeChain = 8

type rmEntry struct {
	key   []int32
	docId int32
	used  bool
}

// RecordIdMap implements §4.5. Key is the fixed-length vector of
// dictionary ids described in §4.6 phase 2.
type RecordIdMap struct {
	keyLen   int
	primary  []rmEntry
	overflow []rmEntry
	count    int32
}

// NewRecordIdMap sizes the primary and overflow tables per §4.5:
// estimatedRowsToIndex = max(capacity/1000, 1_000_000), overflow =
// max(estimatedRowsToIndex/1000, 10_000).
func NewRecordIdMap(keyLen, capacity int) *RecordIdMap {
	estimatedRows := max(capacity/1000, 1_000_000)
	overflowSize := max(estimatedRows/1000, 10_000)
	return &RecordIdMap{
		keyLen:   keyLen,
		primary:  make([]rmEntry, nextPow2(estimatedRows)),
		overflow: make([]rmEntry, nextPow2(overflowSize)),
	}
}

func (m *RecordIdMap) hashKey(key []int32) uint64 {
	b := make([]byte, len(key)*4)
	for i, v := range key {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return xxh3.Hash(b)
}

func keysEqual(a, b []int32) bool {
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

// Put returns the existing docId bound to key, or allocates nextDocId as
// the new binding and returns (nextDocId, true). err is non-nil only when
// both the primary probe chain and the entire overflow table are
// saturated with other keys, in which case no binding is made.
func (m *RecordIdMap) Put(key []int32, nextDocId int32) (docId int32, isNew bool, err error) {
	h := m.hashKey(key)

	mask := uint64(len(m.primary) - 1)
	slot := int(h & mask)
	for i := 0; i < maxProbeChain; i++ {
		e := &m.primary[slot]
		if !e.used {
			e.key = append([]int32(nil), key...)
			e.docId = nextDocId
			e.used = true
			m.count++
			return nextDocId, true, nil
		}
		if keysEqual(e.key, key) {
			return e.docId, false, nil
		}
		slot = (slot + 1) & int(mask)
	}

	// Primary probe chain exhausted: spill to overflow. Bounded to one
	// full pass over the overflow table so a saturated table fails
	// loudly instead of spinning forever.
	omask := uint64(len(m.overflow) - 1)
	oslot := int(h & omask)
	for i := 0; i < len(m.overflow); i++ {
		e := &m.overflow[oslot]
		if !e.used {
			e.key = append([]int32(nil), key...)
			e.docId = nextDocId
			e.used = true
			m.count++
			return nextDocId, true, nil
		}
		if keysEqual(e.key, key) {
			return e.docId, false, nil
		}
		oslot = (oslot + 1) & int(omask)
	}

	return 0, false, fmt.Errorf("%w: record-id map overflow table saturated", ErrAllocationFailed)
}

// Size returns the number of distinct keys currently bound.
func (m *RecordIdMap) Size() int32 { return m.count }

// Close releases the map's tables.
func (m *RecordIdMap) Close() error {
	m.primary = nil
	m.overflow = nil
	m.count = 0
	return nil
}
