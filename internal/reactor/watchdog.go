package reactor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowmemkilld/lowmemkilld/internal/registry"
)

// watchdog arms a watchdogDeadline timer around every handler invocation on
// the reactor thread (§4.I). If the timer fires before Disarm, the handler
// is presumed stuck and the watchdog kills the first live registered process
// found scanning down from OOMMax itself, bypassing the decision engine entirely — it has no access to the
// reactor's state, only the registry (via its watchdog-safe Invalidate/
// ForEachInBucket paths) and the reaper.
type watchdog struct {
	log    *logrus.Entry
	reg    *registry.Registry
	reaper interface{ Kill(pid int32) }

	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

func newWatchdog(log *logrus.Entry, reg *registry.Registry, reaper interface{ Kill(pid int32) }) *watchdog {
	return &watchdog{
		log:    log.WithField("component", "watchdog"),
		reg:    reg,
		reaper: reaper,
	}
}

// Arm starts the deadline timer. Called immediately before a handler runs
// on the reactor thread.
func (w *watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
	w.timer = time.AfterFunc(watchdogDeadline, w.fire)
}

// Disarm stops the deadline timer. Called immediately after the handler
// returns normally.
func (w *watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	w.armed = false
	w.timer.Stop()
}

// fire runs on its own goroutine (time.AfterFunc) if a handler overran the
// deadline. Per §4.I it picks a victim without the decision engine's
// involvement: the first valid record found scanning the adjustment buckets
// from OOMMax down (see pickVictim).
func (w *watchdog) fire() {
	w.mu.Lock()
	if !w.armed {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.mu.Unlock()

	w.log.Error("watchdog: reactor handler exceeded deadline, killing highest-adjustment registered process")

	victim, ok := w.pickVictim()
	if !ok {
		w.log.Warn("watchdog: no registered process available to kill")
		return
	}
	w.reg.Invalidate(victim)
	w.reaper.Kill(victim)
}

// pickVictim scans from OOMMax down and returns the head (most recently
// inserted) valid record of the first nonempty bucket. The watchdog avoids
// any /proc reads of its own, so unlike victim.Selector it does not weigh
// candidates by RSS.
func (w *watchdog) pickVictim() (int32, bool) {
	for adj := int32(registry.OOMMax); adj >= registry.OOMMin; adj-- {
		var (
			pid   int32
			found bool
		)
		w.reg.ForEachInBucket(adj, func(v registry.RecordView) bool {
			if !v.Valid {
				return true
			}
			pid, found = v.PID, true
			return false
		})
		if found {
			return pid, true
		}
	}
	return 0, false
}
