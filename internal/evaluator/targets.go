package evaluator

import (
	"sort"
	"sync"
	"time"
)

// TargetEntry is one (free-memory threshold, OOM-adjustment kill floor)
// pair from §3's target table.
type TargetEntry struct {
	FreePages       int64
	OOMAdjKillFloor int32
}

// MaxTargetEntries bounds the target table size (§6: "N <= table size").
const MaxTargetEntries = 6

// targetRateLimit is the minimum gap between applied TARGET updates (§5,
// §6, §8).
const targetRateLimit = time.Second

// TargetTable is the small ordered (free-pages, oom-adj) list used only by
// the legacy memcg strategy (§4.D) to pick a kill floor from current free
// pages. Updates are rate-limited to one per second; excess updates are
// silently rejected, matching §4.B and the §8 testable property.
type TargetTable struct {
	mu         sync.Mutex
	entries    []TargetEntry
	lastApply  time.Time
	hasApplied bool
}

// NewTargetTable creates an empty target table.
func NewTargetTable() *TargetTable {
	return &TargetTable{}
}

// SetTargets atomically replaces the target table if at least one second
// has passed since the last applied update. Returns true if applied.
func (t *TargetTable) SetTargets(entries []TargetEntry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasApplied && now.Sub(t.lastApply) < targetRateLimit {
		return false
	}

	sorted := make([]TargetEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FreePages < sorted[j].FreePages })

	t.entries = sorted
	t.lastApply = now
	t.hasApplied = true
	return true
}

// FloorForFreePages returns the OOM-adjustment kill floor for the lowest
// free-pages threshold that freePages has fallen under, or (0, false) if
// freePages is above every threshold (no legacy-strategy kill indicated).
func (t *TargetTable) FloorForFreePages(freePages int64) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if freePages < e.FreePages {
			return e.OOMAdjKillFloor, true
		}
	}
	return 0, false
}

// Entries returns a copy of the current table, for diagnostics.
func (t *TargetTable) Entries() []TargetEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TargetEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
