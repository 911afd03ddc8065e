package evaluator

import (
	"math"
	"time"
)

// thrashingWindowPeriod is the PSI window (§3, §5): baselines reset at
// fixed 1-second boundaries in addition to after every kill.
const thrashingWindowPeriod = time.Second

// ThrashingWindow tracks the file-LRU/refault baseline described in §3 and
// derives the current thrashing percentage. The carried-forward "prev-cycle
// thrash growth" decays geometrically by window count, except it is left
// undecayed when the previous window was above the limit but no victim was
// available to relieve it — matching §3 exactly.
type ThrashingWindow struct {
	baselineFileLRU int64
	baselineRefault int64
	windowStart     time.Time
	maxThrashingPct float64
	prevGrowthPct   float64
	windowCount     int
}

// NewThrashingWindow creates an unprimed window; the first Sample call
// establishes the baseline.
func NewThrashingWindow() *ThrashingWindow {
	return &ThrashingWindow{}
}

func (t *ThrashingWindow) resetBaseline(fileLRU, refault int64, now time.Time) {
	t.baselineFileLRU = fileLRU
	t.baselineRefault = refault
	t.windowStart = now
}

// ResetAfterKill clears the baseline and the max-thrashing high-water mark,
// matching §4.F step 3 ("if a kill just completed, reset the thrashing
// baseline") and §4.G's "zero max-thrashing" on a successful kill.
func (t *ThrashingWindow) ResetAfterKill(fileLRU, refault int64, now time.Time) {
	t.resetBaseline(fileLRU, refault, now)
	t.maxThrashingPct = 0
}

// Sample computes the current thrashing percentage from the latest file-LRU
// page count and cumulative refault counter, rolling the 1-second window
// boundary if elapsed. victimWasAvailable tells Sample whether the *previous*
// window had an eligible kill candidate, controlling whether the carried
// growth decays on this boundary.
func (t *ThrashingWindow) Sample(fileLRU, refault int64, now time.Time, limitPct float64, victimWasAvailable bool) float64 {
	if t.windowStart.IsZero() {
		t.resetBaseline(fileLRU, refault, now)
	}
	if now.Sub(t.windowStart) >= thrashingWindowPeriod {
		if t.maxThrashingPct > limitPct && !victimWasAvailable {
			// preserved without decay: the pressure never got relieved.
		} else {
			t.windowCount++
			decay := math.Pow(0.5, float64(t.windowCount))
			t.prevGrowthPct *= decay
		}
		t.resetBaseline(fileLRU, refault, now)
	}

	refaultDelta := refault - t.baselineRefault
	if refaultDelta < 0 {
		refaultDelta = 0
	}
	pct := 100*float64(refaultDelta)/float64(t.baselineFileLRU+1) + t.prevGrowthPct
	if pct > t.maxThrashingPct {
		t.maxThrashingPct = pct
	}
	return pct
}

// MaxThrashing returns the high-water mark since the last ResetAfterKill,
// the "max-thrashing" field of the §6 kill-event log record.
func (t *ThrashingWindow) MaxThrashing() float64 {
	return t.maxThrashingPct
}

// growCarryForTest sets the carried-forward growth value directly. Only
// tests call it, to exercise carry behavior without a full window history.
func (t *ThrashingWindow) growCarryForTest(v float64) { t.prevGrowthPct = v }
