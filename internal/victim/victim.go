// Package victim implements victim selection and kill dispatch (§4.G):
// walking the adjustment buckets from OOM_MAX down to a floor, picking a
// candidate, validating it, and handing it to the external reaper. The kill
// itself is asynchronous — Dispatch starts a death-wait and returns; the
// reactor calls HandleDeath or HandleKillFailure once the outcome is known.
package victim

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowmemkilld/lowmemkilld/internal/config"
	"github.com/lowmemkilld/lowmemkilld/internal/decision"
	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
	"github.com/lowmemkilld/lowmemkilld/internal/killcount"
	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
	"github.com/lowmemkilld/lowmemkilld/internal/registry"
	"github.com/lowmemkilld/lowmemkilld/internal/stats"
)

// FreeMemoryHook lets an external collaborator report that memory was freed
// elsewhere, short-circuiting the kill per §4.G. The default implementation
// always declines (returns skip=false); the vendor-kill/free-memory hook is
// out of scope for this daemon and injected only by specialized builds.
type FreeMemoryHook interface {
	FreeMemoryBeforeKill(candidate registry.RecordView) (freedKB int64, skip bool)
}

// NoopHook never skips a kill.
type NoopHook struct{}

func (NoopHook) FreeMemoryBeforeKill(registry.RecordView) (int64, bool) { return 0, false }

// Reaper is the subset of internal/reaper's API victim selection needs.
type Reaper interface {
	Kill(pid int32)
}

// DeathWaitRegistrar lets the reactor learn about a dispatched kill so it
// can register the process-FD with epoll, or fall back to /proc polling
// when process-FDs are unsupported, per §4.G's death-wait completion
// sources.
type DeathWaitRegistrar interface {
	RegisterDeathWait(pid int32, procFD int32, hasProcFD bool)
}

// KillMeta carries the decision metadata the kill-event log record needs
// beyond what the victim record itself provides.
type KillMeta struct {
	Reason        decision.Reason
	MinAdjustment int32
	Meminfo       procfs.Meminfo
	MeminfoKB     map[string]int64
	SwapKB        int64
	TotalGPUKB    int64
	Thrashing     float64
	MaxThrashing  float64
	PSI           stats.PSIAvg10
	Wakeups       stats.WakeupStats
}

type pendingKill struct {
	candidate registry.RecordView
	rssKB     int64
	swapKB    int64
	meta      KillMeta
	dispatch  time.Time
}

var pageSizeKB = int64(4) // overwritten by SetPageSize at startup from os.Getpagesize

// SetPageSize lets the daemon entrypoint inject the runtime page size (in
// kB) once, per §4.A's "runtime page size" conversion rule.
func SetPageSize(kb int64) { pageSizeKB = kb }

// Selector is the default victim-selection-and-dispatch implementation.
type Selector struct {
	log       *logrus.Entry
	registry  *registry.Registry
	reaper    Reaper
	registrar DeathWaitRegistrar
	hook      FreeMemoryHook
	killcount *killcount.Book
	stats     *stats.Sink
	thrashing *evaluator.ThrashingWindow
	cfg       *config.Config

	pending map[int32]pendingKill
}

// New creates a Selector. hook may be nil, in which case NoopHook is used.
func New(log *logrus.Entry, reg *registry.Registry, reaper Reaper, registrar DeathWaitRegistrar, hook FreeMemoryHook, kc *killcount.Book, sink *stats.Sink, thrashing *evaluator.ThrashingWindow, cfg *config.Config) *Selector {
	if hook == nil {
		hook = NoopHook{}
	}
	return &Selector{
		log:       log.WithField("component", "victim"),
		registry:  reg,
		reaper:    reaper,
		registrar: registrar,
		hook:      hook,
		killcount: kc,
		stats:     sink,
		thrashing: thrashing,
		cfg:       cfg,
		pending:   make(map[int32]pendingKill),
	}
}

// Pending reports whether a kill is currently awaited.
func (s *Selector) Pending() bool { return len(s.pending) > 0 }

// PendingReason reports the decision reason behind the kill dispatched for
// pid, if one is still awaited. The reactor uses this to apply the
// decision engine's reason-#7 limit decay (§4.F step 7) once the kill is
// confirmed.
func (s *Selector) PendingReason(pid int32) (decision.Reason, bool) {
	pk, ok := s.pending[pid]
	if !ok {
		return "", false
	}
	return pk.meta.Reason, true
}

// SetRegistrar binds the death-wait registrar after construction, letting
// the reactor (which implements DeathWaitRegistrar) be wired in once it
// exists, breaking the constructor cycle between Daemon and Reactor.
func (s *Selector) SetRegistrar(registrar DeathWaitRegistrar) { s.registrar = registrar }

// Dispatch walks buckets from OOM_MAX down to floor (inclusive), selects and
// validates a candidate, and either short-circuits via the free-memory hook
// or hands the candidate to the reaper. Returns the estimated pages freed
// (directly from the hook, or RSS/page-size once the kill is later
// confirmed — this return value reflects only what is known synchronously)
// and whether a kill was dispatched.
func (s *Selector) Dispatch(floor int32, meta KillMeta) (int64, bool) {
	for adj := int32(registry.OOMMax); adj >= floor; adj-- {
		for {
			cand, ok := s.pickCandidate(adj)
			if !ok {
				break
			}
			status, err := procfs.ReadStatus(int(cand.PID))
			if err != nil || status.Tgid != int(cand.PID) {
				s.registry.RemoveView(cand)
				continue
			}
			if freedKB, skip := s.hook.FreeMemoryBeforeKill(cand); skip {
				s.log.Infof("free-memory hook reported %d kB freed, skipping kill of pid %d", freedKB, cand.PID)
				return freedKB / pageSizeKB, false
			}

			procFD, hasFD := cand.ProcFD, cand.ProcFD >= 0
			s.registrar.RegisterDeathWait(cand.PID, procFD, hasFD)

			s.pending[cand.PID] = pendingKill{
				candidate: cand,
				rssKB:     status.VmRSSKB,
				swapKB:    status.VmSwapKB,
				meta:      meta,
				dispatch:  time.Now(),
			}
			s.reaper.Kill(cand.PID)
			s.log.Infof("dispatched kill: pid=%d adj=%d reason=%s rss_kb=%d", cand.PID, cand.Adjustment, meta.Reason, status.VmRSSKB)
			return status.VmRSSKB / pageSizeKB, true
		}
	}
	return -1, false
}

// pickCandidate implements §4.G's selection rule: heaviest RSS if
// kill_heaviest_task is set or the bucket is at or below the perceptible
// threshold, otherwise the bucket's tail (oldest-inserted).
func (s *Selector) pickCandidate(adj int32) (registry.RecordView, bool) {
	if s.registry.BucketEmpty(adj) {
		return registry.RecordView{}, false
	}
	if s.cfg.KillHeaviestTask || adj <= config.PerceptibleThreshold {
		return s.heaviestInBucket(adj)
	}
	return s.registry.Tail(adj)
}

func (s *Selector) heaviestInBucket(adj int32) (registry.RecordView, bool) {
	var (
		best    registry.RecordView
		bestRSS int64 = -1
		found   bool
	)
	s.registry.ForEachInBucket(adj, func(v registry.RecordView) bool {
		stm, err := procfs.ReadStatm(int(v.PID))
		if err != nil {
			return true
		}
		if stm.RSSPages > bestRSS {
			bestRSS = stm.RSSPages
			best = v
			found = true
		}
		return true
	})
	return best, found
}

// HandleDeath finalizes a confirmed kill: records the kill in the
// kill-count book, resets the thrashing baseline, emits the kill-event log
// record, and removes the registry entry, per §4.G's "on success" steps.
func (s *Selector) HandleDeath(pid int32, fileLRU, refault int64, now time.Time) {
	pk, ok := s.pending[pid]
	if !ok {
		return
	}
	delete(s.pending, pid)

	s.killcount.Increment(pk.candidate.Adjustment)
	s.thrashing.ResetAfterKill(fileLRU, refault, now)

	s.stats.Record(stats.KillEventRecord{
		PID:           pk.candidate.PID,
		UID:           pk.candidate.UID,
		Adjustment:    pk.candidate.Adjustment,
		MinAdjustment: pk.meta.MinAdjustment,
		RSSKB:         pk.rssKB,
		Reason:        string(pk.meta.Reason),
		MeminfoKB:     pk.meta.MeminfoKB,
		Wakeups:       pk.meta.Wakeups,
		SwapKB:        pk.swapKB,
		TotalGPUKB:    pk.meta.TotalGPUKB,
		Thrashing:     pk.meta.Thrashing,
		MaxThrashing:  pk.meta.MaxThrashing,
		PSI:           pk.meta.PSI,
	})

	s.registry.RemoveView(pk.candidate)
}

// HandleKillFailure stops the death-wait and removes the candidate record,
// per §4.G: "on reaper failure, stop the death-wait and remove the record."
func (s *Selector) HandleKillFailure(pid int32) {
	pk, ok := s.pending[pid]
	if !ok {
		return
	}
	delete(s.pending, pid)
	s.registry.RemoveView(pk.candidate)
	s.log.Warnf("reaper failed to kill pid %d, record removed", pid)
}

// HandleTimeout stops waiting for pid's death without touching its registry
// record, per §4.F step 2 ("otherwise stop any kill-wait") and §4.G's third
// death-wait completion source: kill-timeout expiry is not a confirmed
// death or a reaper failure, just an unconfirmed one, so the candidate is
// left in the registry and will be re-validated (and reaped if actually
// gone) the next time Dispatch walks its bucket.
func (s *Selector) HandleTimeout(pid int32) {
	if _, ok := s.pending[pid]; !ok {
		return
	}
	delete(s.pending, pid)
	s.log.Warnf("kill-timeout expired waiting for pid %d, death-wait stopped", pid)
}

// PendingPIDs returns the PIDs currently awaited, for the reactor's
// kill-timeout expiry and filesystem-polling death-detection paths.
func (s *Selector) PendingPIDs() []int32 {
	pids := make([]int32, 0, len(s.pending))
	for pid := range s.pending {
		pids = append(pids, pid)
	}
	return pids
}
