// Column value representation and type metadata.
//
// A row's per-column value is modeled as a single tagged variant rather
// than a runtime interface{} with per-row type switches: ingestion
// dispatches once on a column's static DataType (decided at schema
// construction), not per row. This mirrors the three-way record.Type tag
// in the teacher package's on-disk line format, generalized from "which
// JSON record shape is this line" to "which primitive is this column".
package colseg

import "fmt"

// DataType identifies a column's primitive storage type.
type DataType int

const (
	TypeInt32 DataType = iota
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
)

func (t DataType) String() string {
	switch t {
	case TypeInt32:
		return "INT32"
	case TypeInt64:
		return "INT64"
	case TypeFloat32:
		return "FLOAT32"
	case TypeFloat64:
		return "FLOAT64"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	default:
		return "UNKNOWN"
	}
}

// Width returns the fixed-width byte size of the type for forward-index
// slots. Variable-length types (string, bytes) return 0 — they can only
// be stored dictionary-encoded.
func (t DataType) Width() int {
	switch t {
	case TypeInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// FieldKind classifies a column's role for ingestion and aggregation.
type FieldKind int

const (
	KindDimension FieldKind = iota
	KindMetric
	KindTime
)

// FoldOp names the additive operation used to collapse a metric column's
// value into an existing aggregated slot.
type FoldOp int

const (
	FoldSum FoldOp = iota
	FoldMin
	FoldMax
)

// Value is a tagged variant over the primitive column types. Exactly one
// field is meaningful, selected by Type.
type Value struct {
	Type  DataType
	I32   int32
	I64   int64
	F32   float32
	F64   float64
	Str   string
	Bytes []byte
}

func Int32Value(v int32) Value     { return Value{Type: TypeInt32, I32: v} }
func Int64Value(v int64) Value     { return Value{Type: TypeInt64, I64: v} }
func Float32Value(v float32) Value { return Value{Type: TypeFloat32, F32: v} }
func Float64Value(v float64) Value { return Value{Type: TypeFloat64, F64: v} }
func StringValue(v string) Value   { return Value{Type: TypeString, Str: v} }
func BytesValue(v []byte) Value    { return Value{Type: TypeBytes, Bytes: v} }

// compare returns a total ordering over two values of the same type,
// consistent with the type's natural order. Values of different types
// compare by type first so the ordering remains total.
func (v Value) compare(other Value) int {
	if v.Type != other.Type {
		if v.Type < other.Type {
			return -1
		}
		return 1
	}
	switch v.Type {
	case TypeInt32:
		return cmpOrdered(v.I32, other.I32)
	case TypeInt64:
		return cmpOrdered(v.I64, other.I64)
	case TypeFloat32:
		return cmpOrdered(v.F32, other.F32)
	case TypeFloat64:
		return cmpOrdered(v.F64, other.F64)
	case TypeString:
		return cmpOrdered(v.Str, other.Str)
	case TypeBytes:
		n := min(len(v.Bytes), len(other.Bytes))
		for i := 0; i < n; i++ {
			if v.Bytes[i] != other.Bytes[i] {
				return cmpOrdered(v.Bytes[i], other.Bytes[i])
			}
		}
		return cmpOrdered(len(v.Bytes), len(other.Bytes))
	default:
		return 0
	}
}

func cmpOrdered[T int32 | int64 | float32 | float64 | string | byte | int](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// foldInto applies op, folding v into the accumulator acc (both must be
// of a numeric type). Returns the new accumulator value.
//
// The float/double SUM path previously re-read the destination slot
// twice and summed it with itself, discarding the incoming value — see
// DESIGN.md for the origin of this bug. Here the accumulator and the
// incoming value are each read exactly once.
func foldInto(acc, v Value, op FoldOp) (Value, error) {
	if acc.Type != v.Type {
		return Value{}, fmt.Errorf("%w: fold type mismatch", ErrTypeMismatch)
	}
	switch acc.Type {
	case TypeInt32:
		return Int32Value(foldNumeric(acc.I32, v.I32, op)), nil
	case TypeInt64:
		return Int64Value(foldNumeric(acc.I64, v.I64, op)), nil
	case TypeFloat32:
		return Float32Value(foldNumeric(acc.F32, v.F32, op)), nil
	case TypeFloat64:
		return Float64Value(foldNumeric(acc.F64, v.F64, op)), nil
	default:
		return Value{}, fmt.Errorf("%w: metric column must be numeric", ErrTypeMismatch)
	}
}

func foldNumeric[T int32 | int64 | float32 | float64](acc, v T, op FoldOp) T {
	switch op {
	case FoldMin:
		if v < acc {
			return v
		}
		return acc
	case FoldMax:
		if v > acc {
			return v
		}
		return acc
	default: // FoldSum
		return acc + v
	}
}
