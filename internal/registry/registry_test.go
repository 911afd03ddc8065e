package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	r := New()
	sizeBefore := r.Size()

	created, err := r.Register(100, 1000, 500, ProcessTypeApp, 7, -1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, sizeBefore+1, r.Size())

	v, ok := r.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, int32(500), v.Adjustment)
	assert.True(t, v.Valid)

	_, err = r.Unregister(100, 7)
	require.NoError(t, err)
	assert.Equal(t, sizeBefore, r.Size())
	assert.True(t, r.BucketEmpty(500))
}

func TestOwnershipRefusal(t *testing.T) {
	r := New()
	_, err := r.Register(200, 1000, 300, ProcessTypeApp, 1, -1)
	require.NoError(t, err)

	// a different registrant cannot mutate...
	_, err = r.Register(200, 1000, 900, ProcessTypeApp, 2, -1)
	assert.ErrorIs(t, err, ErrNotOwner)

	// ...and the record is unchanged.
	v, ok := r.Lookup(200)
	require.True(t, ok)
	assert.Equal(t, int32(300), v.Adjustment)

	// nor can it remove it.
	_, err = r.Unregister(200, 2)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestUnclaimedRecordIsClaimable(t *testing.T) {
	r := New()
	_, err := r.Register(300, 1000, 0, ProcessTypeApp, 0, -1)
	require.NoError(t, err)

	created, err := r.Register(300, 1000, 800, ProcessTypeApp, 5, -1)
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := r.Lookup(300)
	require.True(t, ok)
	assert.Equal(t, int32(5), v.Registrant)
	assert.Equal(t, int32(800), v.Adjustment)
}

func TestBucketReinsertOnAdjustmentChange(t *testing.T) {
	r := New()
	_, err := r.Register(400, 1000, 0, ProcessTypeApp, 1, -1)
	require.NoError(t, err)
	_, err = r.Register(400, 1000, 700, ProcessTypeApp, 1, -1)
	require.NoError(t, err)

	assert.True(t, r.BucketEmpty(0))
	assert.False(t, r.BucketEmpty(700))
}

func TestLIFOInsertionOrderWithinBucket(t *testing.T) {
	r := New()
	_, err := r.Register(1, 0, 900, ProcessTypeApp, 1, -1)
	require.NoError(t, err)
	_, err = r.Register(2, 0, 900, ProcessTypeApp, 1, -1)
	require.NoError(t, err)
	_, err = r.Register(3, 0, 900, ProcessTypeApp, 1, -1)
	require.NoError(t, err)

	// head is most-recently inserted, tail is oldest.
	var order []int32
	r.ForEachInBucket(900, func(v RecordView) bool {
		order = append(order, v.PID)
		return true
	})
	assert.Equal(t, []int32{3, 2, 1}, order)

	tail, ok := r.Tail(900)
	require.True(t, ok)
	assert.Equal(t, int32(1), tail.PID)
}

func TestInvalidateThenSweep(t *testing.T) {
	r := New()
	_, err := r.Register(500, 0, 0, ProcessTypeApp, 1, -1)
	require.NoError(t, err)

	ok := r.Invalidate(500)
	assert.True(t, ok)

	// invalidation alone does not remove the slot.
	v, found := r.Lookup(500)
	require.True(t, found)
	assert.False(t, v.Valid)
	assert.Equal(t, 1, r.Size())

	removed := r.SweepInvalid()
	require.Len(t, removed, 1)
	assert.Equal(t, int32(500), removed[0].PID)
	assert.Equal(t, 0, r.Size())
}

func TestPurgeRemovesOnlyOwnedRecords(t *testing.T) {
	r := New()
	_, _ = r.Register(10, 0, 0, ProcessTypeApp, 1, -1)
	_, _ = r.Register(11, 0, 0, ProcessTypeApp, 1, -1)
	_, _ = r.Register(12, 0, 0, ProcessTypeApp, 2, -1)

	fds := r.Purge(1)
	assert.Len(t, fds, 2)
	assert.Equal(t, 1, r.Size())

	_, ok := r.Lookup(12)
	assert.True(t, ok)
}

func TestAdjustmentRangeValidation(t *testing.T) {
	r := New()
	_, err := r.Register(1, 0, OOMMax+1, ProcessTypeApp, 1, -1)
	assert.Error(t, err)
	_, err = r.Register(1, 0, OOMMin-1, ProcessTypeApp, 1, -1)
	assert.Error(t, err)
}
