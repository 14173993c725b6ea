// Off-heap memory management.
//
// MemoryManager hands out named, sized, typed byte buffers and guarantees
// every one of them is released on teardown. Buffers are backed either by
// an anonymous mmap region (Config.OffHeap == true) or by a plain Go
// slice; both implement the same buffer interface so components above
// the memory manager never know which backs them — grounded on the
// memory-mapped segment file in
// _examples/other_examples/...ninibe-netlog__biglog-segment.go, adapted
// from a file-backed mapping to an anonymous one since a mutable segment
// has no backing file of its own, and on the teacher's os.Root-scoped
// ownership model in db.go (one owner, guaranteed release on Close).
package colseg

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// buffer is the contract every backing implementation satisfies.
type buffer interface {
	// Bytes returns the live backing slice. Valid until the next Resize.
	Bytes() []byte
	// Resize grows the buffer to at least n bytes, preserving the
	// existing contents as a prefix. May block briefly while the new
	// region is established.
	Resize(n int) error
	// Release returns the buffer's memory to the OS/runtime.
	Release() error
	// Size returns the current capacity in bytes.
	Size() int
}

// heapBuffer is a plain Go-slice-backed buffer, used when OffHeap is false.
type heapBuffer struct {
	data []byte
}

func newHeapBuffer(n int) *heapBuffer {
	return &heapBuffer{data: make([]byte, n)}
}

func (b *heapBuffer) Bytes() []byte { return b.data }

func (b *heapBuffer) Resize(n int) error {
	if n <= len(b.data) {
		return nil
	}
	grown := make([]byte, n)
	copy(grown, b.data)
	b.data = grown
	return nil
}

func (b *heapBuffer) Release() error {
	b.data = nil
	return nil
}

func (b *heapBuffer) Size() int { return len(b.data) }

// mmapBuffer is backed by an anonymous, process-private mmap region.
//
// Resize never munmaps the region it replaces: the hot read path takes
// no lock (§5), so a reader may be holding a slice returned by an
// earlier Bytes() call at the exact moment a writer resizes. Munmapping
// that slice out from under it would be a use-after-free. Instead the
// old mapping is kept in retired and only unmapped when the buffer
// itself is released, by which point no reader can still be observing
// it (teardown happens after the segment stops accepting readers).
type mmapBuffer struct {
	data    []byte
	retired [][]byte
}

func newMmapBuffer(n int) (*mmapBuffer, error) {
	if n <= 0 {
		n = 1
	}
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrAllocationFailed, err)
	}
	return &mmapBuffer{data: data}, nil
}

func (b *mmapBuffer) Bytes() []byte { return b.data }

func (b *mmapBuffer) Resize(n int) error {
	if n <= len(b.data) {
		return nil
	}
	grown, err := newMmapBuffer(n)
	if err != nil {
		return err
	}
	copy(grown.data, b.data)
	b.retired = append(b.retired, b.data)
	b.data = grown.data
	return nil
}

func (b *mmapBuffer) Release() error {
	var errs []error
	for _, old := range b.retired {
		if err := unix.Munmap(old); err != nil {
			errs = append(errs, err)
		}
	}
	b.retired = nil
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			errs = append(errs, err)
		}
		b.data = nil
	}
	return errors.Join(errs...)
}

func (b *mmapBuffer) Size() int { return len(b.data) }

// MemoryManager allocates named, typed, off-heap (or heap) buffers on
// behalf of exactly one owning segment and tracks total bytes acquired.
// It is never shared between segments: each MutableSegment owns its own
// manager and passes it by borrow to subcomponents, so there is no
// back-reference from a subcomponent to the segment that created it.
type MemoryManager struct {
	log     *zap.SugaredLogger
	offHeap bool
	mu      sync.Mutex
	buffers map[string]buffer
	total   atomic.Int64
}

// NewMemoryManager constructs a manager. offHeap selects mmap-backed
// buffers; when false, buffers are plain Go slices.
func NewMemoryManager(offHeap bool, log *zap.SugaredLogger) *MemoryManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MemoryManager{
		log:     log,
		offHeap: offHeap,
		buffers: make(map[string]buffer),
	}
}

// Allocate acquires a named buffer of the given initial size. context
// follows the convention "<segmentName>:<columnName><indexKind>" per
// §4.1 and is used only for observability (logging, error messages).
func (m *MemoryManager) Allocate(context string, size int) (buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.buffers[context]; exists {
		return nil, fmt.Errorf("%w: duplicate allocation context %q", ErrAllocationFailed, context)
	}

	var buf buffer
	var err error
	if m.offHeap {
		buf, err = newMmapBuffer(size)
	} else {
		buf = newHeapBuffer(size)
	}
	if err != nil {
		m.log.Errorw("allocation failed", "context", context, "size", size, "error", err)
		return nil, err
	}

	m.buffers[context] = buf
	m.total.Add(int64(buf.Size()))
	return buf, nil
}

// Resize grows a previously allocated buffer and updates the byte total.
func (m *MemoryManager) Resize(buf buffer, n int) error {
	before := buf.Size()
	if err := buf.Resize(n); err != nil {
		return err
	}
	m.total.Add(int64(buf.Size() - before))
	return nil
}

// TotalBytes returns the sum of all currently allocated buffer sizes.
func (m *MemoryManager) TotalBytes() int64 {
	return m.total.Load()
}

// Close releases every buffer acquired through this manager. Individual
// release failures are logged and do not prevent the remaining buffers
// from being released.
func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for context, buf := range m.buffers {
		if err := buf.Release(); err != nil {
			m.log.Errorw("buffer release failed", "context", context, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.buffers = make(map[string]buffer)
	m.total.Store(0)
	return firstErr
}
