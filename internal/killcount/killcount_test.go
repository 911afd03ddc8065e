package killcount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryGrandTotalSentinel(t *testing.T) {
	b := New(nil)
	b.Increment(900)
	b.Increment(900)
	b.Increment(0)

	assert.Equal(t, uint64(3), b.Query(1001, 0))
	assert.Equal(t, uint64(2), b.Query(900, 900))
	assert.Equal(t, uint64(1), b.Query(-1000, 500))
}

func TestSlotCapDoesNotLoseGrandTotal(t *testing.T) {
	b := New(nil)
	for adj := int32(0); adj < MaxSlots+5; adj++ {
		b.Increment(adj)
	}
	assert.Equal(t, uint64(MaxSlots+5), b.Total())
	// the grand total still counts drops even though no slot tracks them.
	sum := uint64(0)
	for adj := int32(0); adj < MaxSlots+5; adj++ {
		sum += b.Query(adj, adj)
	}
	assert.Less(t, sum, b.Total())
}
