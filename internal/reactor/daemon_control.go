package reactor

import (
	"errors"
	"fmt"

	"github.com/lowmemkilld/lowmemkilld/internal/control"
	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
	"github.com/lowmemkilld/lowmemkilld/internal/registry"
)

// This file implements control.Handler on *Daemon: every control-protocol
// command (§6) lands here, already parsed, running on the reactor thread.

// Target implements TARGET (§6 code 0): atomically replaces the legacy
// target table, rate-limited to one update per second by
// evaluator.TargetTable itself.
func (d *Daemon) Target(entries []evaluator.TargetEntry) error {
	if !d.targets.SetTargets(entries, timeNow()) {
		return nil // rate-limited, §7 "extra updates silently rejected" -- not an error
	}
	if d.legacyLMK.Supported() {
		if err := d.legacyLMK.Sync(entries); err != nil {
			d.log.WithError(err).Warn("daemon: failed to mirror targets into legacy lmk interface")
		}
	}
	return nil
}

// ProcPrio implements PROCPRIO (§6 code 1): register or re-register a
// process's OOM adjustment.
func (d *Daemon) ProcPrio(pid, uid, adj int32, procType registry.ProcessType, registrant int32) error {
	return d.registerProcess(pid, uid, adj, procType, registrant)
}

// ProcsPrio implements PROCS_PRIO (§6 code 10): the bulk form of PROCPRIO.
// Per-entry failures are logged and skipped rather than aborting the batch.
func (d *Daemon) ProcsPrio(entries []control.ProcPrioEntry, registrant int32) {
	for _, e := range entries {
		if err := d.registerProcess(e.PID, e.UID, e.Adjustment, e.ProcType, registrant); err != nil {
			d.log.WithError(err).Debugf("daemon: PROCS_PRIO entry for pid %d rejected", e.PID)
		}
	}
}

func (d *Daemon) registerProcess(pid, uid, adj int32, procType registry.ProcessType, registrant int32) error {
	status, err := procfs.ReadStatus(int(pid))
	if err != nil {
		return fmt.Errorf("daemon: read status for pid %d: %w", pid, err)
	}
	if status.Tgid != int(pid) {
		return registry.ErrThreadLeaderMismatch
	}

	if err := procfs.WriteOOMScoreAdj(int(pid), int(adj)); err != nil {
		// §4.B / §7: a "no such file" write failure means the process is
		// already dead; silently abort this registration.
		if errors.Is(err, procfs.ErrProcessGone) {
			return nil
		}
		// Any other write failure is logged and registration continues.
		d.log.WithError(err).Warnf("daemon: write oom_score_adj for pid %d failed", pid)
	}

	rawFD, hasFD := procfs.OpenPidFD(int(pid))
	procFD := int32(-1)
	if hasFD {
		procFD = int32(rawFD)
	}

	created, err := d.reg.Register(pid, uid, adj, procType, registrant, procFD)
	if err != nil {
		if hasFD {
			_ = closeFD(procFD)
		}
		return err
	}
	if !created && hasFD {
		_ = closeFD(procFD) // Register only keeps the FD from first creation
	}
	return nil
}

// ProcRemove implements PROCREMOVE (§6 code 2).
func (d *Daemon) ProcRemove(pid, registrant int32) error {
	fd, err := d.reg.Unregister(pid, registrant)
	if err != nil {
		return err
	}
	if fd >= 0 {
		if _, awaited := d.victimSel.PendingReason(pid); !awaited {
			_ = closeFD(fd) // an FD awaited for death stays open for the death-wait
		}
	}
	return nil
}

// ProcPurge implements PROCPURGE (§6 code 3).
func (d *Daemon) ProcPurge(registrant int32) {
	for _, fd := range d.reg.Purge(registrant) {
		if fd >= 0 {
			_ = closeFD(fd)
		}
	}
}

// GetKillCnt implements GETKILLCNT (§6 code 4).
func (d *Daemon) GetKillCnt(low, high int32) uint64 {
	return d.killcountBook.Query(low, high)
}

// Subscribe implements SUBSCRIBE (§6 code 5).
func (d *Daemon) Subscribe(c *control.Client, mask uint32) {
	c.SetMask(mask)
}

// UpdateProps implements UPDATE_PROPS (§6 code 7): reloads configuration
// and rebuilds the pressure-source set. Replies 0 on success and -1 when
// the property file cannot be loaded or fails validation, in which case the
// running configuration is kept. If the new configuration loads but the
// pressure-source set cannot be rebuilt, the reinit hook installed by
// Reactor.Init exits the process nonzero.
func (d *Daemon) UpdateProps() int32 {
	if d.reinit == nil {
		return -1
	}
	if err := d.reinit(); err != nil {
		d.log.WithError(err).Error("daemon: UPDATE_PROPS rebuild failed")
		return -1
	}
	return 0
}

// BootCompleted implements BOOT_COMPLETED (§6 code 8): starts the kernel
// memory-event listener, deferred until boot to avoid BPF-load contention
// (§4.E.3). Returns 0 on first call, 1 if already completed, -1 on
// failure.
func (d *Daemon) BootCompleted() int32 {
	if d.bootCompleted {
		return 1
	}
	d.bootCompleted = true
	if d.startMonitoringIfDeferred != nil {
		if err := d.startMonitoringIfDeferred(); err != nil {
			d.log.WithError(err).Error("daemon: failed to arm monitors on boot-complete")
			return -1
		}
	}
	return 0
}

// StartMonitoring implements START_MONITORING (§6 code 9): the initial
// arming of PSI/memcg monitors when delay_monitors_until_boot is set.
func (d *Daemon) StartMonitoring() {
	if d.monitoringStarted {
		return
	}
	if d.startMonitoringIfDeferred != nil {
		if err := d.startMonitoringIfDeferred(); err != nil {
			d.log.WithError(err).Error("daemon: START_MONITORING failed to arm monitors")
		}
	}
}
