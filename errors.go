// Sentinel errors returned by segment operations.
package colseg

import "errors"

var (
	// ErrUnknownColumn is returned when a read references a column not
	// present in the schema (and, for DataSource, not backed by a virtual
	// column provider), or when a row lacks a value for a single-value
	// schema column. Row keys that name no schema column are ignored.
	ErrUnknownColumn = errors.New("colseg: unknown column")

	// ErrNoDictionaryUnsupported is returned when a column is declared
	// no-dictionary but is multi-value, a string/bytes column, or carries
	// an inverted index — no-dictionary is only valid for single-value
	// non-string columns without an inverted index.
	ErrNoDictionaryUnsupported = errors.New("colseg: no-dictionary not supported for this column")

	// ErrMultiValueMetric is returned when a metric column participating
	// in aggregation carries more than one value for a row.
	ErrMultiValueMetric = errors.New("colseg: metric columns cannot be multi-value")

	// ErrRowTooManyValues is returned when a multi-value column on a row
	// exceeds the per-row value cap.
	ErrRowTooManyValues = errors.New("colseg: row exceeds maximum multi-value count")

	// ErrSegmentFull is returned when index() is called after capacity
	// has already been reached.
	ErrSegmentFull = errors.New("colseg: segment at capacity")

	// ErrAggregationCorruption is returned when the record-id map
	// resolves an existing docId while aggregation is disabled; it
	// indicates internal corruption rather than caller error.
	ErrAggregationCorruption = errors.New("colseg: aggregation invariant violated")

	// ErrAllocationFailed is returned when the memory manager cannot
	// satisfy a buffer request.
	ErrAllocationFailed = errors.New("colseg: allocation failed")

	// ErrTypeMismatch is returned when a row's value for a column does
	// not match the column's declared data type.
	ErrTypeMismatch = errors.New("colseg: value type does not match column type")

	// ErrSegmentClosed is returned when index() is attempted after Freeze
	// or destroy. Read operations do not check for it.
	ErrSegmentClosed = errors.New("colseg: segment closed")

	// ErrNotDictionaryEncoded is returned by sortedDocIdIteration when the
	// requested column has no dictionary.
	ErrNotDictionaryEncoded = errors.New("colseg: column is not dictionary-encoded")

	// ErrNotInvertedIndexed is returned by sortedDocIdIteration when the
	// requested column has no inverted index.
	ErrNotInvertedIndexed = errors.New("colseg: column has no inverted index")

	// ErrDocIdOutOfRange is returned by record() for a docId that has not
	// yet been published.
	ErrDocIdOutOfRange = errors.New("colseg: docId not yet indexed")
)
