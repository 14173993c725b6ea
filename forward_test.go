// Forward index writer tests: single-value slot addressing and
// multi-value header/payload round-tripping.
package colseg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestSingleValueForwardInt32RoundTrip verifies a written slot is read
// back unchanged and other docIds remain unaffected.
func TestSingleValueForwardInt32RoundTrip(t *testing.T) {
	mem := NewMemoryManager(false, zap.NewNop().Sugar())
	f, err := NewSingleValueForward(mem, "seg:dimForward", 4, 10)
	require.NoError(t, err)

	f.PutInt32(0, 42)
	f.PutInt32(5, -7)

	assert.Equal(t, int32(42), f.GetInt32(0))
	assert.Equal(t, int32(-7), f.GetInt32(5))
	assert.Equal(t, int32(0), f.GetInt32(1))
}

// TestSingleValueForwardInt64RoundTrip verifies the 8-byte slot width
// path used for no-dictionary int64/float64 columns.
func TestSingleValueForwardInt64RoundTrip(t *testing.T) {
	mem := NewMemoryManager(false, zap.NewNop().Sugar())
	f, err := NewSingleValueForward(mem, "seg:metricForward", 8, 10)
	require.NoError(t, err)

	f.PutInt64(2, 1<<40)
	assert.Equal(t, int64(1<<40), f.GetInt64(2))
}

// TestMultiValueForwardPutGet verifies a variable-length sequence is
// stored and returned in insertion order.
func TestMultiValueForwardPutGet(t *testing.T) {
	mem := NewMemoryManager(false, zap.NewNop().Sugar())
	f, err := NewMultiValueForward(mem, "seg:tagsForward", 10, 3)
	require.NoError(t, err)

	require.NoError(t, f.Put(0, []int32{5, 2, 9}))
	require.NoError(t, f.Put(1, []int32{1}))

	assert.Equal(t, []int32{5, 2, 9}, f.Get(0))
	assert.Equal(t, []int32{1}, f.Get(1))
	assert.Nil(t, f.Get(2))
}

// TestMultiValueForwardRejectsOverCap verifies a row exceeding the 1,000
// per-row multi-value cap is rejected with ErrRowTooManyValues, per the
// multi-value cap scenario in §8.
func TestMultiValueForwardRejectsOverCap(t *testing.T) {
	mem := NewMemoryManager(false, zap.NewNop().Sugar())
	f, err := NewMultiValueForward(mem, "seg:tagsForward", 10, 3)
	require.NoError(t, err)

	tooMany := make([]int32, MaxMultiValuesPerRow+1)
	err = f.Put(0, tooMany)
	assert.ErrorIs(t, err, ErrRowTooManyValues)
}

// TestMultiValueForwardRejectsOutOfRangeDocIdWithoutConsumingPayload
// verifies a docId beyond the header array's capacity is rejected before
// any bytes are written to the payload region — a rejected Put must not
// permanently leak payload space that no header will ever reference.
func TestMultiValueForwardRejectsOutOfRangeDocIdWithoutConsumingPayload(t *testing.T) {
	mem := NewMemoryManager(false, zap.NewNop().Sugar())
	f, err := NewMultiValueForward(mem, "seg:tagsForward", 2, 3)
	require.NoError(t, err)

	before := f.payloadLen
	err = f.Put(5, []int32{1, 2, 3})
	assert.ErrorIs(t, err, ErrSegmentFull)
	assert.Equal(t, before, f.payloadLen)
}

// TestMultiValueForwardPayloadGrows verifies the payload region grows
// geometrically past its initial estimate without losing earlier rows.
func TestMultiValueForwardPayloadGrows(t *testing.T) {
	mem := NewMemoryManager(false, zap.NewNop().Sugar())
	f, err := NewMultiValueForward(mem, "seg:tagsForward", 100, 1)
	require.NoError(t, err)

	for doc := int32(0); doc < 100; doc++ {
		vals := make([]int32, 20)
		for i := range vals {
			vals[i] = doc*100 + int32(i)
		}
		require.NoError(t, f.Put(doc, vals))
	}
	assert.Equal(t, int32(0), f.Get(0)[0])
	assert.Equal(t, int32(99*100+19), f.Get(99)[19])
}
