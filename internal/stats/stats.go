// Package stats formats the §6 kill-event log record and fans it out to
// both the logging sink and subscribed control clients, plus this daemon's
// own prometheus counters (internal/metrics). It is the default
// implementation of the "statistics-logger" collaborator named out-of-scope
// in §1/§6: a real platform integration can swap in a different Sink.
package stats

import (
	"github.com/sirupsen/logrus"

	"github.com/lowmemkilld/lowmemkilld/internal/metrics"
)

// PSIAvg10 holds the five avg10 values the kill-event log record carries.
type PSIAvg10 struct {
	MemSome float64
	MemFull float64
	IOSome  float64
	IOFull  float64
	CPUSome float64
}

// WakeupStats are the four wakeup-accounting fields of the kill-event log
// record (§6).
type WakeupStats struct {
	MsSinceLastEvent    int64
	MsSincePrevWakeup   int64
	WakeupsSinceEvent   int64
	SkippedWakeups      int64
}

// KillEventRecord is the full, typed §6 kill-event log record.
type KillEventRecord struct {
	PID           int32
	UID           int32
	Adjustment    int32
	MinAdjustment int32
	RSSKB         int64
	Reason        string

	MeminfoKB map[string]int64

	Wakeups WakeupStats

	SwapKB        int64
	TotalGPUKB    int64
	Thrashing     float64
	MaxThrashing  float64
	PSI           PSIAvg10
}

// Broadcaster fans async notifications out to subscribed control clients
// (§6 SUBSCRIBE / async notifications). Implemented by internal/control.
type Broadcaster interface {
	BroadcastKillOccurred(pid, uid int32, rssKB int64)
	BroadcastKillStat(rec KillEventRecord)
}

// Sink is the default statistics-pipeline adapter.
type Sink struct {
	log         *logrus.Entry
	metrics     *metrics.Metrics
	broadcaster Broadcaster
}

// New creates a Sink. broadcaster may be nil if no control server is
// wired up yet (e.g. in tests).
func New(log *logrus.Entry, m *metrics.Metrics, broadcaster Broadcaster) *Sink {
	return &Sink{
		log:         log.WithField("component", "stats"),
		metrics:     m,
		broadcaster: broadcaster,
	}
}

// Record logs the full kill-event record, updates internal metrics, and
// notifies subscribers.
func (s *Sink) Record(rec KillEventRecord) {
	s.log.WithFields(logrus.Fields{
		"pid":            rec.PID,
		"uid":            rec.UID,
		"adjustment":     rec.Adjustment,
		"min_adjustment": rec.MinAdjustment,
		"rss_kb":         rec.RSSKB,
		"reason":         rec.Reason,
		"swap_kb":        rec.SwapKB,
		"gpu_kb":         rec.TotalGPUKB,
		"thrashing":      rec.Thrashing,
		"max_thrashing":  rec.MaxThrashing,
		"skipped_wakeups": rec.Wakeups.SkippedWakeups,
		"meminfo_kb":     rec.MeminfoKB,
		"wakeups":        rec.Wakeups,
		"psi":            rec.PSI,
	}).Info("kill")

	if s.metrics != nil {
		s.metrics.KillsTotal.WithLabelValues(rec.Reason).Inc()
		s.metrics.LastKillRSSKB.Set(float64(rec.RSSKB))
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastKillOccurred(rec.PID, rec.UID, rec.RSSKB)
		s.broadcaster.BroadcastKillStat(rec)
	}
}
