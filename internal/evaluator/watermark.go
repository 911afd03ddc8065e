// Package evaluator derives the reclaim state, zone watermark status,
// thrashing percentage, and swap utilization the decision engine consumes,
// per §4.D of the specification.
package evaluator

import (
	"time"

	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
)

// WatermarkStatus is one of {min, low, high, none} per §4.D.
type WatermarkStatus int

const (
	WatermarkNone WatermarkStatus = iota
	WatermarkHigh
	WatermarkLow
	WatermarkMin
)

func (s WatermarkStatus) String() string {
	switch s {
	case WatermarkMin:
		return "min"
	case WatermarkLow:
		return "low"
	case WatermarkHigh:
		return "high"
	default:
		return "none"
	}
}

const zoneinfoFallbackInterval = 60 * time.Second

// ZoneinfoReader abstracts the cached /proc/zoneinfo reader so tests can
// substitute canned bytes.
type ZoneinfoReader interface {
	Read() ([]byte, error)
}

// WatermarkTracker caches the aggregated zone watermarks and re-parses
// /proc/zoneinfo only on first use, on an explicit update-zoneinfo kernel
// event, or every 60s as a fallback when that event is unsupported, per
// §4.D.
type WatermarkTracker struct {
	reader   ZoneinfoReader
	cached   procfs.ZoneWatermarks
	lastRead time.Time
	primed   bool
}

// NewWatermarkTracker creates a tracker over reader.
func NewWatermarkTracker(reader ZoneinfoReader) *WatermarkTracker {
	return &WatermarkTracker{reader: reader}
}

// Refresh re-parses zoneinfo unconditionally, used when an update-zoneinfo
// kernel event fires.
func (w *WatermarkTracker) Refresh(now time.Time) error {
	data, err := w.reader.Read()
	if err != nil {
		return err
	}
	w.cached = procfs.ParseZoneinfo(data)
	w.lastRead = now
	w.primed = true
	return nil
}

// ensureFresh re-parses on first use or after the fallback interval when
// the caller has no kernel event telling it to refresh.
func (w *WatermarkTracker) ensureFresh(now time.Time) error {
	if !w.primed || now.Sub(w.lastRead) >= zoneinfoFallbackInterval {
		return w.Refresh(now)
	}
	return nil
}

// Status compares free_pages - cma_free against the cached watermark
// totals plus max zone protection, returning the tightest breached level.
func (w *WatermarkTracker) Status(now time.Time, mi procfs.Meminfo) (WatermarkStatus, error) {
	if err := w.ensureFresh(now); err != nil {
		return WatermarkNone, err
	}
	freeMinusCMA := mi.FreePages - mi.CmaFreePages
	prot := w.cached.MaxProtection

	switch {
	case freeMinusCMA < w.cached.Min+prot:
		return WatermarkMin, nil
	case freeMinusCMA < w.cached.Low+prot:
		return WatermarkLow, nil
	case freeMinusCMA < w.cached.High+prot:
		return WatermarkHigh, nil
	default:
		return WatermarkNone, nil
	}
}
