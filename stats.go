// Stats History: the persistent append-only log named in §6.
//
// Read-only during segment construction (a new segment consults it to
// size its structures), append-only during destroy(). Process-wide and
// synchronized internally — an unbounded in-memory list is always kept, and a
// JSON-lines file sink is optional, grounded on the teacher's own
// line-delimited record format (record.go) and its header/offset
// bookkeeping (header.go), generalized from "one document per line" to
// "one segment-lifetime snapshot per line". Cross-process coordination
// for the optional file sink reuses the teacher's flock wrapper
// (lock.go/lock_unix.go/lock_windows.go) verbatim in spirit: a mutex
// serializes the syscall against concurrent Close.
package colseg

import (
	"bufio"
	"bytes"
	"encoding/ascii85"
	"fmt"
	"io"
	"os"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// ColumnStat is one column's historical sizing data.
type ColumnStat struct {
	Name         string  `json:"name"`
	Cardinality  int32   `json:"cardinality"`
	AvgValueSize float64 `json:"avg_size"`
}

// StatsRecord is one segment-lifetime snapshot, appended at destroy().
type StatsRecord struct {
	SegmentName  string  `json:"segment"`
	Timestamp    int64   `json:"ts"`
	RowsConsumed int64   `json:"rows_consumed"`
	RowsIndexed  int64   `json:"rows_indexed"`
	BytesUsed    int64   `json:"bytes_used"`
	Seconds      float64 `json:"seconds"`
	// ColumnsZ holds Columns ascii85(zstd(json(Columns))) encoded, kept
	// compressed on the wire the same way the teacher keeps a document's
	// _h snapshot compressed: schemas with hundreds of columns would
	// otherwise dominate the line's size, and this field is read far
	// less often than it is written.
	ColumnsZ string       `json:"colz,omitempty"`
	Columns  []ColumnStat `json:"-"`
}

var (
	statsZstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	statsZstdDecoder, _ = zstd.NewReader(nil)
)

func compressColumns(cols []ColumnStat) (string, error) {
	raw, err := json.Marshal(cols)
	if err != nil {
		return "", err
	}
	compressed := statsZstdEncoder.EncodeAll(raw, nil)
	var encoded bytes.Buffer
	enc := ascii85.NewEncoder(&encoded)
	_, _ = enc.Write(compressed)
	_ = enc.Close()
	return encoded.String(), nil
}

func decompressColumns(encoded string) ([]ColumnStat, error) {
	if encoded == "" {
		return nil, nil
	}
	dec := ascii85.NewDecoder(bytes.NewReader([]byte(encoded)))
	compressed, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("statshistory: ascii85: %w", err)
	}
	raw, err := statsZstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("statshistory: zstd: %w", err)
	}
	var cols []ColumnStat
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("statshistory: %w", err)
	}
	return cols, nil
}

// StatsHistory is a process-wide, append-only ledger of StatsRecord
// entries. The zero value (via NewStatsHistory) keeps entries in memory
// only; OpenStatsHistory additionally persists them to a JSON-lines file.
type StatsHistory struct {
	mu      sync.Mutex
	entries []StatsRecord
	file    *os.File
	lock    *statsFileLock
}

// NewStatsHistory returns an in-memory-only stats history.
func NewStatsHistory() *StatsHistory {
	return &StatsHistory{}
}

// OpenStatsHistory opens (creating if necessary) a JSON-lines file as
// the history's durable sink, loading any existing entries into memory.
func OpenStatsHistory(path string) (*StatsHistory, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	h := &StatsHistory{file: f, lock: &statsFileLock{f: f}}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec StatsRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // skip a malformed line rather than fail the whole load
		}
		rec.Columns, _ = decompressColumns(rec.ColumnsZ)
		h.entries = append(h.entries, rec)
	}
	return h, nil
}

// Append records a new snapshot. Safe for concurrent callers within one
// process; when a file sink is present, an OS-level exclusive lock also
// guards against concurrent processes.
func (h *StatsHistory) Append(rec StatsRecord) error {
	colz, err := compressColumns(rec.Columns)
	if err != nil {
		return err
	}
	rec.ColumnsZ = colz

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, rec)

	if h.file == nil {
		return nil
	}

	if err := h.lock.Lock(); err != nil {
		return err
	}
	defer h.lock.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := h.file.Write(line); err != nil {
		return err
	}
	return h.file.Sync()
}

// History returns every recorded snapshot for segmentName, in the order
// they were appended.
func (h *StatsHistory) History(segmentName string) []StatsRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []StatsRecord
	for _, rec := range h.entries {
		if rec.SegmentName == segmentName {
			out = append(out, rec)
		}
	}
	return out
}

// Latest returns the most recent snapshot for segmentName, used at
// construction time to size a new segment's structures, and whether one
// exists.
func (h *StatsHistory) Latest(segmentName string) (StatsRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].SegmentName == segmentName {
			return h.entries[i], true
		}
	}
	return StatsRecord{}, false
}

// Close releases the file sink, if any.
func (h *StatsHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	h.lock.setFile(nil)
	return h.file.Close()
}

// statsFileLock coordinates OS-level file locks with safe handle
// teardown — adapted directly from the teacher's lock.go.
type statsFileLock struct {
	mu sync.Mutex
	f  *os.File
}

func (l *statsFileLock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return flockFile(l.f, true)
}

func (l *statsFileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return flockFile(l.f, false)
}

func (l *statsFileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
