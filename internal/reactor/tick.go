package reactor

import (
	"os"
	"time"

	"github.com/lowmemkilld/lowmemkilld/internal/cgroup"
	"github.com/lowmemkilld/lowmemkilld/internal/decision"
	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure"
	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
	"github.com/lowmemkilld/lowmemkilld/internal/stats"
	"github.com/lowmemkilld/lowmemkilld/internal/victim"
)

// pageKB is the runtime page size in kB, used to convert page counts into
// the kB units the kill-event log record and legacy strategy want.
var pageKB = int64(os.Getpagesize() / 1024)

// This file implements §4.F's evaluate-and-act pipeline: turning the raw
// signals the poll tick and pressure sources produce into decision.Inputs,
// asking the decision engine for a verdict, and dispatching a kill through
// victim.Selector when one is warranted.

// onPollTick runs on every epoll_wait timeout (§4.I): the periodic sample
// that drives the legacy memcg strategy and keeps the new strategy's
// vmstat-delta fallback current when the kernel memory-event stream is
// unavailable.
func (d *Daemon) onPollTick(now time.Time) {
	d.maybeStopPolling(now)
	if d.skipForPendingKill(now) {
		return
	}
	if !d.cfg.UsePSI {
		d.evaluateLegacy(now)
		return
	}
	d.evaluateAndAct(now, false, nil)
}

// skipForPendingKill implements §4.F step 1: while a previously dispatched
// kill's death is still unconfirmed and we remain within kill_timeout_ms of
// dispatching it, every wakeup is skipped rather than re-evaluated, and
// counted as a skipped wakeup for the kill-event log record's wakeup
// fields. Once kill_timeout_ms elapses, evaluation resumes even though the
// death-wait itself is only actually torn down by the reactor's kill-timeout
// expiry path (§4.G's third death-wait completion source).
func (d *Daemon) skipForPendingKill(now time.Time) bool {
	if !d.killPending() {
		return false
	}
	if d.cfg.KillTimeoutMs <= 0 {
		return false
	}
	if now.Sub(d.lastKillDispatch) >= time.Duration(d.cfg.KillTimeoutMs)*time.Millisecond {
		return false
	}
	d.skippedWakeups++
	d.metrics.SkippedWakeups.Inc()
	return true
}

// onPressureEvents handles every event a pressure source produced from one
// readable fd (§4.E). PSI/memcg level events and kernel memory events both
// feed the same evaluate-and-act pipeline; kernel events additionally
// update the reclaim tracker and watermark cache directly.
func (d *Daemon) onPressureEvents(evs []pressure.Event, now time.Time) {
	if d.skipForPendingKill(now) {
		return
	}
	pressureEvent := false
	var vendor *pressure.KernelEvent

	for _, ev := range evs {
		switch ev.Kind {
		case pressure.EventKindPSI, pressure.EventKindMemcg:
			d.criticalPSI = ev.Level == pressure.LevelCritical
			pressureEvent = true
		case pressure.EventKindKernel:
			d.handleKernelEvent(ev.Kernel, now)
			if ev.Kernel.Type == pressure.KernelEventVendorKill {
				vendor = ev.Kernel
			}
			if ev.Kernel.Type != pressure.KernelEventZoneinfoUpdate {
				pressureEvent = true
			}
		}
	}

	d.lastEventTime = now
	d.wakeupsSinceEvent = 0
	if pressureEvent {
		d.startPolling(now)
	}

	if !d.cfg.UsePSI && vendor == nil {
		d.evaluateLegacy(now)
		return
	}
	d.evaluateAndAct(now, pressureEvent, vendor)
}

func (d *Daemon) handleKernelEvent(ev *pressure.KernelEvent, now time.Time) {
	switch ev.Type {
	case pressure.KernelEventDirectReclaimBegin:
		d.directReclaimFromKernel = true
		d.reclaim.DirectReclaimBegin(ev.Timestamp)
	case pressure.KernelEventDirectReclaimEnd:
		d.reclaim.DirectReclaimEnd()
	case pressure.KernelEventZoneinfoUpdate:
		if err := d.watermark.Refresh(now); err != nil {
			d.log.WithError(err).Debug("daemon: zoneinfo refresh on kernel event failed")
		}
	}
}

func (d *Daemon) monitoringUsesKernelEvents() bool {
	for _, src := range d.pressureSources {
		if src.Name() == "kevents" {
			return true
		}
	}
	return false
}

// evaluateAndAct is the new (PSI-based) strategy's evaluate-and-act step,
// §4.F steps 3-9.
func (d *Daemon) evaluateAndAct(now time.Time, pressureEvent bool, vendor *pressure.KernelEvent) {
	miRaw, err := d.meminfoReader.Read()
	if err != nil {
		d.log.WithError(err).Warn("daemon: meminfo read failed, skipping evaluation")
		return
	}
	mi := procfs.ParseMeminfo(miRaw)

	vsRaw, err := d.vmstatReader.Read()
	if err != nil {
		d.log.WithError(err).Warn("daemon: vmstat read failed, skipping evaluation")
		return
	}
	vs := procfs.ParseVmstat(vsRaw)

	reclaimState := evaluator.ReclaimNone
	if !d.directReclaimFromKernel {
		reclaimState = d.reclaim.DeriveFromVmstat(now, vs)
	} else if d.reclaim.DirectReclaimDuration(now) > 0 {
		reclaimState = evaluator.ReclaimDirect
	}

	refaultChanged := d.refaultPrimed && vs.WorkingsetRefault != d.lastWorkingsetRefault
	d.lastWorkingsetRefault = vs.WorkingsetRefault
	d.refaultPrimed = true

	watermarkStatus, err := d.watermark.Status(now, mi)
	if err != nil {
		d.log.WithError(err).Debug("daemon: watermark status unavailable")
	}

	fileLRU := mi.ActiveFilePages + mi.InactiveFilePages
	victimAvailable := d.reg.Size() > 0 // coarse signal; exact availability is re-checked at dispatch time
	thrashingPct := d.thrashing.Sample(fileLRU, vs.WorkingsetRefault, now, float64(d.cfg.ThrashingLimitPercent), victimAvailable)
	maxThrashing := d.thrashing.MaxThrashing()

	swapLow := evaluator.SwapLow(mi, d.cfg.SwapFreeLowPercentage)
	d.swapLowCached = swapLow
	swapUtil := evaluator.SwapUtilizationPercent(mi)

	var psiStall procfs.PSIStall
	criticalStall := false
	if d.psiMemReader != nil {
		if data, err := d.psiMemReader.Read(); err == nil {
			psiStall = procfs.ParsePSIStall(data)
			criticalStall = int32(psiStall.FullAvg10) >= d.cfg.StallLimitCritical
		}
	}

	in := decision.Inputs{
		PostKill:              d.postKillPending,
		ReclaimState:          reclaimState,
		DirectReclaimDuration: d.reclaim.DirectReclaimDuration(now),
		SwapLow:               swapLow,
		SwapUtilPercent:       swapUtil,
		Thrashing:             thrashingPct,
		MaxThrashing:          maxThrashing,
		Watermark:             watermarkStatus,
		CriticalPSIEvent:      d.criticalPSI,
		CriticalStall:         criticalStall,
		FileCacheKB:           fileLRU * pageKB,
		PressureEvent:         pressureEvent,
		RefaultDeltaChanged:   refaultChanged,
	}
	if vendor != nil {
		in.VendorEvent = true
		in.VendorReason = vendor.Reason
		in.VendorMinAdj = vendor.MinAdj
	}

	d.postKillPending = false

	dec, ok := d.decisionEngine.Evaluate(in)
	if !ok {
		d.pollIntervalMs = d.nextPollIntervalMs()
		d.refreshGauges()
		return
	}

	meta := d.buildKillMeta(now, dec, miRaw, mi, thrashingPct, maxThrashing)
	if _, dispatched := d.victimSel.Dispatch(dec.Floor, meta); dispatched {
		d.postKillPending = true
	}
	d.pollIntervalMs = d.nextPollIntervalMs()
	d.refreshGauges()
}

// evaluateLegacy is the legacy memcg strategy's evaluate-and-act step, the
// final paragraph of §4.F.
func (d *Daemon) evaluateLegacy(now time.Time) {
	usage, err := cgroup.ReadUsage(d.cgroupName)
	if err != nil {
		d.log.WithError(err).Debug("daemon: legacy cgroup usage unavailable")
		return
	}

	miRaw, err := d.meminfoReader.Read()
	if err != nil {
		d.log.WithError(err).Warn("daemon: meminfo read failed, skipping legacy evaluation")
		return
	}
	mi := procfs.ParseMeminfo(miRaw)
	memTotalBytes := mi.TotalPages * pageKB * 1024

	dec := d.decisionEngine.EvaluateLegacy(usage, memTotalBytes, mi.FreePages)
	meta := d.buildKillMeta(now, dec, miRaw, mi, 0, d.thrashing.MaxThrashing())
	if _, dispatched := d.victimSel.Dispatch(dec.Floor, meta); dispatched {
		d.postKillPending = true
	}
	d.refreshGauges()
}

func (d *Daemon) buildKillMeta(now time.Time, dec decision.Decision, miRaw []byte, mi procfs.Meminfo, thrashing, maxThrashing float64) victim.KillMeta {
	meta := victim.KillMeta{
		Reason:        dec.Reason,
		MinAdjustment: dec.Floor,
		Meminfo:       mi,
		MeminfoKB:     procfs.KBFields(miRaw),
		SwapKB:        (mi.SwapTotalPages - mi.SwapFreePages) * int64(pageKB),
		Thrashing:     thrashing,
		MaxThrashing:  maxThrashing,
	}
	if gpuKB, ok := d.gpumemAcc.TotalKB(); ok {
		meta.TotalGPUKB = gpuKB
	}
	meta.PSI = d.readPSIAvg10()
	meta.Wakeups = d.computeWakeupStats(now)
	return meta
}

func (d *Daemon) readPSIAvg10() stats.PSIAvg10 {
	var avg stats.PSIAvg10
	if d.psiMemReader != nil {
		if data, err := d.psiMemReader.Read(); err == nil {
			st := procfs.ParsePSIStall(data)
			avg.MemSome, avg.MemFull = st.SomeAvg10, st.FullAvg10
		}
	}
	if d.psiIOReader != nil {
		if data, err := d.psiIOReader.Read(); err == nil {
			st := procfs.ParsePSIStall(data)
			avg.IOSome, avg.IOFull = st.SomeAvg10, st.FullAvg10
		}
	}
	if d.psiCPUReader != nil {
		if data, err := d.psiCPUReader.Read(); err == nil {
			st := procfs.ParsePSIStall(data)
			avg.CPUSome = st.SomeAvg10
		}
	}
	return avg
}

func (d *Daemon) computeWakeupStats(now time.Time) stats.WakeupStats {
	d.wakeupsSinceEvent++
	var msSincePrevWakeup int64
	if !d.lastWakeupTime.IsZero() {
		msSincePrevWakeup = now.Sub(d.lastWakeupTime).Milliseconds()
	}
	d.lastWakeupTime = now

	var msSinceLastEvent int64
	if !d.lastEventTime.IsZero() {
		msSinceLastEvent = now.Sub(d.lastEventTime).Milliseconds()
	}

	return stats.WakeupStats{
		MsSinceLastEvent:  msSinceLastEvent,
		MsSincePrevWakeup: msSincePrevWakeup,
		WakeupsSinceEvent: d.wakeupsSinceEvent,
		SkippedWakeups:    d.skippedWakeups,
	}
}

// onDeath finalizes a confirmed kill (§4.G "on success"): feeds the
// thrashing baseline reset and the decision engine's reason-#7 limit decay,
// then hands off to victim.Selector's own bookkeeping.
func (d *Daemon) onDeath(pid int32, now time.Time) {
	reason, hadReason := d.victimSel.PendingReason(pid)

	vsRaw, err := d.vmstatReader.Read()
	var vs procfs.Vmstat
	if err == nil {
		vs = procfs.ParseVmstat(vsRaw)
	}
	miRaw, err := d.meminfoReader.Read()
	var fileLRU int64
	if err == nil {
		mi := procfs.ParseMeminfo(miRaw)
		fileLRU = mi.ActiveFilePages + mi.InactiveFilePages
	}

	d.victimSel.HandleDeath(pid, fileLRU, vs.WorkingsetRefault, now)
	if hadReason {
		d.decisionEngine.OnKillSuccess(reason)
	}
}

// onKillFailure implements §4.G's "on reaper failure" path on the Daemon
// side: the reactor has already stopped the death-wait; this removes the
// candidate record via the selector.
func (d *Daemon) onKillFailure(pid int32) {
	d.victimSel.HandleKillFailure(pid)
}

// onKillTimeout implements §4.F step 2 / §4.G death-wait completion source
// (c) on the Daemon side: the reactor has already torn down the death-wait,
// this only clears the selector's pending bookkeeping without treating the
// candidate as confirmed dead or as a reaper failure.
func (d *Daemon) onKillTimeout(pid int32) {
	d.victimSel.HandleTimeout(pid)
}
