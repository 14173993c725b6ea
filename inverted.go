// Realtime inverted index: dictionary id -> sorted set of docIds.
//
// Each posting list is a two-container compressed bitmap grounded on
// _examples/salvatore-campagna-go-playground/weaviate/storage/roaring.go:
// a sorted array container for sparse posting lists, promoted to a dense
// bitmap container once it grows past containerConversionThreshold
// entries, the same threshold-driven conversion that package performs.
// Simplified to the single docId space a segment needs (bounded by one
// capacity, not a column's full 32-bit key space), so there is exactly
// one container per dictionary id rather than per 16-bit chunk.
package colseg

import (
	"math/bits"
	"sort"
	"sync"
)

// containerConversionThreshold mirrors the teacher pack's roaring
// implementation: below this many entries an array container is denser
// and faster to scan; above it a bitmap container is.
const containerConversionThreshold = 4096

// postingList is one dictionary id's compressed docId set. The zero
// value is a valid empty array container.
type postingList struct {
	mu       sync.RWMutex
	array    []uint32 // sorted, used while len <= containerConversionThreshold
	bitmap   []uint64 // used once promoted; bit i set means docId i present
	isBitmap bool
	maxDoc   uint32 // not written by add; promote sizes the bitmap from the array's own maximum
}

func (p *postingList) add(docId int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := uint32(docId)
	if p.isBitmap {
		p.setBit(d)
		return
	}

	// Array container: keep sorted, insert in place (postings arrive in
	// increasing docId order during normal ingestion, so this is
	// typically an append; binary search handles out-of-order callers).
	i := sort.Search(len(p.array), func(i int) bool { return p.array[i] >= d })
	if i < len(p.array) && p.array[i] == d {
		return
	}
	p.array = append(p.array, 0)
	copy(p.array[i+1:], p.array[i:])
	p.array[i] = d

	if len(p.array) > containerConversionThreshold {
		p.promote()
	}
}

// promote converts the array container to a bitmap container. Caller
// must hold p.mu.
func (p *postingList) promote() {
	maxDoc := uint32(0)
	for _, d := range p.array {
		if d > maxDoc {
			maxDoc = d
		}
	}
	p.bitmap = make([]uint64, maxDoc/64+1)
	for _, d := range p.array {
		p.bitmap[d/64] |= 1 << (d % 64)
	}
	p.array = nil
	p.isBitmap = true
}

// setBit grows the bitmap container if needed and sets bit d. Caller
// must hold p.mu.
func (p *postingList) setBit(d uint32) {
	word := d / 64
	if int(word) >= len(p.bitmap) {
		grown := make([]uint64, word+1)
		copy(grown, p.bitmap)
		p.bitmap = grown
	}
	p.bitmap[word] |= 1 << (d % 64)
}

// snapshot returns an ascending slice of docIds currently in the
// posting list, bounded by maxDocExclusive (the reader's captured
// numDocsIndexed). The result is a copy, safe to iterate while add()
// continues concurrently on the live container.
func (p *postingList) snapshot(maxDocExclusive int32) []int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []int32
	if p.isBitmap {
		for w, word := range p.bitmap {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				docId := int32(w*64 + b)
				if docId < maxDocExclusive {
					out = append(out, docId)
				}
				word &= word - 1
			}
		}
		return out
	}
	for _, d := range p.array {
		docId := int32(d)
		if docId >= maxDocExclusive {
			break
		}
		out = append(out, docId)
	}
	return out
}

// InvertedIndex maps a column's dictionary ids to their posting lists.
// Lists are created lazily on first add, so a dictionary id that was
// never indexed has no entry rather than an empty one.
type InvertedIndex struct {
	mu    sync.RWMutex
	lists map[int32]*postingList
}

// NewInvertedIndex constructs an empty inverted index.
func NewInvertedIndex() *InvertedIndex {
	return &InvertedIndex{lists: make(map[int32]*postingList)}
}

// Add records that dictId maps to docId. Safe to call concurrently with
// GetDocIds, never safe to call concurrently with another Add (single
// ingestion writer per §5).
func (idx *InvertedIndex) Add(dictId int32, docId int32) {
	idx.mu.Lock()
	pl, ok := idx.lists[dictId]
	if !ok {
		pl = &postingList{}
		idx.lists[dictId] = pl
	}
	idx.mu.Unlock()
	pl.add(docId)
}

// GetDocIds returns a snapshot of the ascending docId set for dictId,
// bounded by maxDocExclusive (the reader's captured numDocsIndexed). A
// dictId with no postings yet returns an empty slice.
func (idx *InvertedIndex) GetDocIds(dictId int32, maxDocExclusive int32) []int32 {
	idx.mu.RLock()
	pl, ok := idx.lists[dictId]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	return pl.snapshot(maxDocExclusive)
}

// Close releases the inverted index's memory. Posting lists are plain
// Go slices/maps (not memory-manager buffers): unlike the dictionary's
// value store or the forward index's payload, posting-list sizes are
// driven by cardinality × selectivity rather than row count, and are not
// part of the size estimate the memory manager sizes buffers against —
// see DESIGN.md.
func (idx *InvertedIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lists = nil
	return nil
}
