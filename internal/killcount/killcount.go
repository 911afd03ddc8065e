// Package killcount implements the kill-count book: a sparse histogram of
// kills by OOM adjustment, capped at a small number of distinct slots per
// §3 and §4.C.
package killcount

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxSlots bounds the number of distinct adjustments tracked individually;
// the grand total remains authoritative regardless.
const MaxSlots = 32

// Book is the kill-count book. The grand total is monotonically increasing
// and immune to the 16-bit wraparound tolerated on individual slots.
type Book struct {
	mu sync.Mutex

	// index maps an OOM adjustment to a slot in counts/adjustments, the
	// "two-level indirection" §3 describes.
	index       map[int32]int
	adjustments []int32
	counts      []uint16

	total   uint64
	dropped bool
	log     *logrus.Entry
}

// New creates an empty kill-count book. log may be nil.
func New(log *logrus.Entry) *Book {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Book{
		index: make(map[int32]int, MaxSlots),
		log:   log.WithField("component", "killcount"),
	}
}

// Increment records a kill at the given OOM adjustment. If 32 distinct
// adjustments are already tracked and adj is not among them, the kill is
// still reflected in the grand total but no new slot is created; a warning
// is logged the first time an adjustment is dropped.
func (b *Book) Increment(adj int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++

	if slot, ok := b.index[adj]; ok {
		b.counts[slot]++ // wraparound tolerated per §3
		return
	}
	if len(b.adjustments) >= MaxSlots {
		if !b.dropped {
			b.log.Warnf("kill-count book full at %d slots, dropping adjustment %d", MaxSlots, adj)
			b.dropped = true
		}
		return
	}
	b.index[adj] = len(b.adjustments)
	b.adjustments = append(b.adjustments, adj)
	b.counts = append(b.counts, 1)
}

// Query sums counters across the inclusive adjustment range [low, high].
// The sentinel low > registry.OOMMax (1000) returns the grand total.
func (b *Book) Query(low, high int32) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if low > 1000 {
		return b.total
	}
	var sum uint64
	for i, adj := range b.adjustments {
		if adj >= low && adj <= high {
			sum += uint64(b.counts[i])
		}
	}
	return sum
}

// Total returns the grand total.
func (b *Book) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
