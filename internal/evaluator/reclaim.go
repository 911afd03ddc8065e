package evaluator

import (
	"time"

	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
)

// ReclaimState is one of {none, kswapd, direct} per §3.
type ReclaimState int

const (
	ReclaimNone ReclaimState = iota
	ReclaimKswapd
	ReclaimDirect
)

func (s ReclaimState) String() string {
	switch s {
	case ReclaimKswapd:
		return "kswapd"
	case ReclaimDirect:
		return "direct"
	default:
		return "none"
	}
}

// ReclaimTracker derives reclaim state either from vmstat deltas (the
// fallback path) or from authoritative kernel memory-event timestamps
// (direct-reclaim begin/end). Per §9's open question, a failure to read the
// current time when recording a direct-reclaim begin is resolved fail-open:
// DirectReclaimBegin simply leaves directReclaimStart zero if now is the
// zero time, which DirectReclaimDuration treats identically to "not in
// direct reclaim."
type ReclaimTracker struct {
	prev               procfs.Vmstat
	primed             bool
	directReclaimStart time.Time
}

// NewReclaimTracker creates an unprimed tracker.
func NewReclaimTracker() *ReclaimTracker {
	return &ReclaimTracker{}
}

// DeriveFromVmstat computes reclaim state from the deltas of
// pgscan_direct/pgscan_kswapd since the previous sample, used when the
// kernel memory-event stream (§4.E.3) is unavailable.
func (r *ReclaimTracker) DeriveFromVmstat(now time.Time, vs procfs.Vmstat) ReclaimState {
	if !r.primed {
		r.prev = vs
		r.primed = true
		return ReclaimNone
	}
	directDelta := vs.PgscanDirect - r.prev.PgscanDirect
	kswapdDelta := vs.PgscanKswapd - r.prev.PgscanKswapd
	r.prev = vs

	switch {
	case directDelta > 0:
		r.DirectReclaimBegin(now)
		return ReclaimDirect
	case kswapdDelta > 0:
		r.DirectReclaimEnd()
		return ReclaimKswapd
	default:
		r.DirectReclaimEnd()
		return ReclaimNone
	}
}

// DirectReclaimBegin records the start of a direct-reclaim episode, called
// either from the vmstat-delta fallback or from the authoritative kernel
// event. Fail-open per §9: if now is the zero Time (the caller could not
// get the current time), the start stays unset and reclaim is treated as
// not in progress.
func (r *ReclaimTracker) DirectReclaimBegin(now time.Time) {
	if now.IsZero() {
		return
	}
	if r.directReclaimStart.IsZero() {
		r.directReclaimStart = now
	}
}

// DirectReclaimEnd clears the in-progress direct-reclaim episode.
func (r *ReclaimTracker) DirectReclaimEnd() {
	r.directReclaimStart = time.Time{}
}

// DirectReclaimDuration returns how long the current direct-reclaim episode
// has run, or 0 if none is in progress.
func (r *ReclaimTracker) DirectReclaimDuration(now time.Time) time.Duration {
	if r.directReclaimStart.IsZero() {
		return 0
	}
	return now.Sub(r.directReclaimStart)
}
