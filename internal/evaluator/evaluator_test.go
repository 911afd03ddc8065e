package evaluator

import (
	"testing"
	"time"

	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeZoneinfoReader struct {
	data []byte
}

func (f fakeZoneinfoReader) Read() ([]byte, error) { return f.data, nil }

func TestWatermarkStatusBreachLevels(t *testing.T) {
	zoneinfo := []byte(`Node 0, zone Normal
  pages free     10000
        min      500
        low      1000
        high     2000
        protection: (0, 100, 200, 300)
`)
	tr := NewWatermarkTracker(fakeZoneinfoReader{data: zoneinfo})

	now := time.Unix(1000, 0)
	mi := procfs.Meminfo{FreePages: 2600, CmaFreePages: 0}
	status, err := tr.Status(now, mi)
	require.NoError(t, err)
	assert.Equal(t, WatermarkNone, status)

	mi.FreePages = 2200
	status, err = tr.Status(now, mi)
	require.NoError(t, err)
	assert.Equal(t, WatermarkHigh, status)

	mi.FreePages = 1100
	status, err = tr.Status(now, mi)
	require.NoError(t, err)
	assert.Equal(t, WatermarkLow, status)

	mi.FreePages = 200
	status, err = tr.Status(now, mi)
	require.NoError(t, err)
	assert.Equal(t, WatermarkMin, status)
}

func TestSwapUtilizationZeroDenominator(t *testing.T) {
	assert.Equal(t, int32(0), SwapUtilizationPercent(procfs.Meminfo{}))
}

func TestSwapLow(t *testing.T) {
	mi := procfs.Meminfo{SwapTotalPages: 1000, SwapFreePages: 50}
	assert.True(t, SwapLow(mi, 10))
	mi.SwapFreePages = 500
	assert.False(t, SwapLow(mi, 10))
}

func TestThrashingPercentBasic(t *testing.T) {
	w := NewThrashingWindow()
	now := time.Unix(0, 0)
	pct := w.Sample(1000, 100, now, 100, true)
	assert.Equal(t, float64(0), pct)

	pct = w.Sample(1000, 600, now.Add(100*time.Millisecond), 100, true)
	assert.InDelta(t, 49.95, pct, 0.5)
}

func TestThrashingCarryDecaysAcrossWindows(t *testing.T) {
	w := NewThrashingWindow()
	w.growCarryForTest(40)
	now := time.Unix(0, 0)
	_ = w.Sample(1000, 100, now, 100, true)

	// cross a window boundary with a victim available: carry should decay.
	pctAfter := w.Sample(1000, 100, now.Add(2*time.Second), 100, true)
	assert.Less(t, pctAfter, float64(40))
}

func TestReclaimStateFromVmstatDeltas(t *testing.T) {
	r := NewReclaimTracker()
	now := time.Unix(0, 0)

	state := r.DeriveFromVmstat(now, procfs.Vmstat{PgscanDirect: 10})
	assert.Equal(t, ReclaimNone, state) // first sample only primes the baseline

	state = r.DeriveFromVmstat(now.Add(time.Second), procfs.Vmstat{PgscanDirect: 20})
	assert.Equal(t, ReclaimDirect, state)

	state = r.DeriveFromVmstat(now.Add(2*time.Second), procfs.Vmstat{PgscanDirect: 20, PgscanKswapd: 5})
	assert.Equal(t, ReclaimKswapd, state)
}

func TestDirectReclaimFailOpenOnZeroTime(t *testing.T) {
	r := NewReclaimTracker()
	r.DirectReclaimBegin(time.Time{})
	assert.Equal(t, time.Duration(0), r.DirectReclaimDuration(time.Now()))
}

func TestTargetTableRateLimit(t *testing.T) {
	tt := NewTargetTable()
	now := time.Unix(0, 0)
	applied := tt.SetTargets([]TargetEntry{{FreePages: 1000, OOMAdjKillFloor: 0}}, now)
	assert.True(t, applied)

	applied = tt.SetTargets([]TargetEntry{{FreePages: 2000, OOMAdjKillFloor: 100}}, now.Add(500*time.Millisecond))
	assert.False(t, applied)

	applied = tt.SetTargets([]TargetEntry{{FreePages: 2000, OOMAdjKillFloor: 100}}, now.Add(1100*time.Millisecond))
	assert.True(t, applied)
}

func TestTargetTableFloorLookup(t *testing.T) {
	tt := NewTargetTable()
	now := time.Unix(0, 0)
	tt.SetTargets([]TargetEntry{
		{FreePages: 5000, OOMAdjKillFloor: 900},
		{FreePages: 2000, OOMAdjKillFloor: 200},
	}, now)

	floor, ok := tt.FloorForFreePages(1000)
	require.True(t, ok)
	assert.Equal(t, int32(200), floor)

	_, ok = tt.FloorForFreePages(9000)
	assert.False(t, ok)
}
