// Package reactor implements the single-threaded event loop of §4.I: an
// epoll-based demultiplexer for control-socket traffic, pressure events,
// death/failure notifications, and periodic polling, plus the supervising
// watchdog described in the same section.
//
// Grounded on the epoll drain shape of
// k3s-io-k3s/vendor/github.com/containerd/containerd/pkg/oom/epoll.go
// (EpollWait loop, EPOLLHUP-vs-EPOLLIN handling) generalized to the
// multi-source, multi-poll-interval regime §4.I and §5 describe.
package reactor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lowmemkilld/lowmemkilld/internal/config"
	"github.com/lowmemkilld/lowmemkilld/internal/control"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure"
	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
)

// watchdogDeadline is the §4.I "2-second deadline" armed before every
// handler call.
const watchdogDeadline = 2 * time.Second

// sdNotifyWatchdogPeriod is how often the reactor pings systemd's own
// supervisory watchdog (§10.6), distinct from the in-process one above.
const sdNotifyWatchdogPeriod = 10 * time.Second

const maxEpollEvents = 64

type fdKind int

const (
	fdKindControlListen fdKind = iota
	fdKindControlClient
	fdKindPressure
	fdKindReaperFail
	fdKindDeathWait
)

type fdEntry struct {
	kind    fdKind
	client  *control.Client
	source  pressure.Source
	deathPID int32
}

// Reactor owns every descriptor and drives the decision loop. All mutating
// calls happen on the goroutine that calls Run, matching §5's "single
// goroutine (the reactor thread)" model; Invalidate and the watchdog's
// registry scan are the sole exceptions, guarded by the registry's own
// lock.
type Reactor struct {
	log *logrus.Entry
	d   *Daemon

	epfd int
	fds  map[int]fdEntry

	wd *watchdog

	lastSDPing time.Time
}

// New creates a Reactor around an already-constructed Daemon, wiring
// itself in as the Daemon's victim.DeathWaitRegistrar now that both exist.
func New(log *logrus.Entry, d *Daemon) *Reactor {
	r := &Reactor{
		log: log.WithField("component", "reactor"),
		d:   d,
		fds: make(map[int]fdEntry),
	}
	d.victimSel.SetRegistrar(r)
	return r
}

// Init creates the epoll instance, binds the control socket, and arms the
// pressure sources unless configured to defer them until boot-complete
// (§4.E.3, §6 delay_monitors_until_boot).
func (r *Reactor) Init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r.epfd = epfd

	listenFD, err := r.d.control.Listen(r.d.socketPath)
	if err != nil {
		return fmt.Errorf("reactor: control listen: %w", err)
	}
	if err := r.epollAdd(listenFD, unix.EPOLLIN, fdEntry{kind: fdKindControlListen}); err != nil {
		return fmt.Errorf("reactor: register control listener: %w", err)
	}

	if err := r.epollAdd(r.d.reaper.FailureFD(), unix.EPOLLIN, fdEntry{kind: fdKindReaperFail}); err != nil {
		return fmt.Errorf("reactor: register reaper failure fd: %w", err)
	}

	if !r.d.cfg.DelayMonitorsUntilBoot {
		if err := r.armPressureSources(); err != nil {
			return err
		}
	}

	r.wd = newWatchdog(r.log, r.d.reg, r.d.reaper)

	r.d.reinit = func() error {
		cfg, err := config.Load(r.d.configPath)
		if err != nil {
			return err
		}
		if err := r.Reinit(cfg); err != nil {
			r.log.WithError(err).Error("reactor: pressure-source rebuild failed after UPDATE_PROPS, exiting")
			os.Exit(1)
		}
		return nil
	}
	r.d.startMonitoringIfDeferred = r.armPressureSources

	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); !ok {
		r.log.Debug("reactor: SdNotify(READY) not delivered (not running under systemd)")
	}
	r.lastSDPing = time.Now()
	return nil
}

// armPressureSources (re)arms every configured pressure source and
// registers its descriptors with epoll; the kernel memory-event source is
// skipped until boot-complete. Called at startup (when monitors are not
// deferred) and from START_MONITORING / BOOT_COMPLETED / UPDATE_PROPS reinit.
func (r *Reactor) armPressureSources() error {
	r.teardownPressureSources()
	armedAny := false
	for _, src := range r.d.pressureSources {
		if src.Name() == "kevents" && !r.d.bootCompleted {
			continue // the kernel memory-event listener waits for BOOT_COMPLETED
		}
		if err := src.Arm(); err != nil {
			r.log.WithError(err).Warnf("reactor: pressure source %s failed to arm", src.Name())
			continue
		}
		for _, fd := range src.FDs() {
			if err := r.epollAdd(fd, unix.EPOLLIN|unix.EPOLLPRI, fdEntry{kind: fdKindPressure, source: src}); err != nil {
				r.log.WithError(err).Warnf("reactor: register fd for %s failed", src.Name())
				continue
			}
		}
		armedAny = true
	}
	r.d.monitoringStarted = true
	if !armedAny {
		return fmt.Errorf("reactor: no pressure source could be armed")
	}
	return nil
}

func (r *Reactor) teardownPressureSources() {
	for fd, e := range r.fds {
		if e.kind == fdKindPressure {
			r.epollDel(fd)
			delete(r.fds, fd)
		}
	}
	for _, src := range r.d.pressureSources {
		_ = src.Close()
	}
}

func (r *Reactor) epollAdd(fd int, events uint32, entry fdEntry) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}); err != nil {
		return err
	}
	r.fds[fd] = entry
	return nil
}

func (r *Reactor) epollDel(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)
	delete(r.fds, fd)
}

// nextTimeoutMs computes the epoll_wait timeout per §4.I: the poll
// interval if a poll handler is installed, shortened to the remaining
// kill-timeout when a death-wait is armed with one configured, else block
// indefinitely.
func (r *Reactor) nextTimeoutMs() int {
	timeout := -1
	if r.d.pollActive {
		timeout = r.d.pollIntervalMs
	}
	if r.d.killPending() && r.d.cfg.KillTimeoutMs > 0 {
		remaining := int(r.d.cfg.KillTimeoutMs) - int(time.Since(r.d.lastKillDispatch)/time.Millisecond)
		if remaining < 0 {
			remaining = 0
		}
		if timeout < 0 || remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// Run drives the reactor loop until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	var events [maxEpollEvents]unix.EpollEvent
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events[:], r.nextTimeoutMs())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		r.maybePingSystemd()

		now := time.Now()
		r.withWatchdog(func() {
			r.checkKillTimeoutExpiry(now)
			r.checkFilesystemDeathWaits(now)
		})

		if n == 0 {
			r.withWatchdog(func() { r.d.onPollTick(now) })
			continue
		}

		// Two-pass drain (§4.I): hangups first so a same-cycle
		// connection replacement (evict-then-accept) is handled
		// correctly, readables second.
		for i := 0; i < n; i++ {
			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				r.withWatchdog(func() { r.handleHangup(int(events[i].Fd)) })
			}
		}
		for i := 0; i < n; i++ {
			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				continue // already handled and likely deregistered above
			}
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
				fd := int(events[i].Fd)
				r.withWatchdog(func() { r.handleReadable(fd) })
			}
		}
	}
}

func (r *Reactor) withWatchdog(fn func()) {
	r.wd.Arm()
	fn()
	r.wd.Disarm()
}

func (r *Reactor) maybePingSystemd() {
	if time.Since(r.lastSDPing) < sdNotifyWatchdogPeriod {
		return
	}
	r.lastSDPing = time.Now()
	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyWatchdog); !ok {
		r.log.Trace("reactor: SdNotify(WATCHDOG) not delivered")
	}
}

func (r *Reactor) handleHangup(fd int) {
	entry, ok := r.fds[fd]
	if !ok || entry.kind != fdKindControlClient {
		return
	}
	r.log.Debugf("reactor: control client fd %d hung up", fd)
	r.epollDel(fd)
	r.d.control.Remove(entry.client)
}

func (r *Reactor) handleReadable(fd int) {
	entry, ok := r.fds[fd]
	if !ok {
		return
	}
	switch entry.kind {
	case fdKindControlListen:
		r.acceptControlClient()
	case fdKindControlClient:
		if ok := r.d.control.HandleReadable(entry.client); !ok {
			r.epollDel(fd)
			r.d.control.Remove(entry.client)
		}
	case fdKindPressure:
		evs, err := entry.source.HandleReadable(fd)
		if err != nil {
			r.log.WithError(err).Warnf("reactor: pressure source %s read error", entry.source.Name())
			return
		}
		r.d.onPressureEvents(evs, time.Now())
	case fdKindReaperFail:
		for _, pid := range r.d.reaper.DrainFailures() {
			r.onKillFailure(pid)
		}
	case fdKindDeathWait:
		r.onDeathConfirmed(entry.deathPID, fd)
	}
}

func (r *Reactor) acceptControlClient() {
	client, evicted, err := r.d.control.Accept()
	if err != nil {
		r.log.WithError(err).Warn("reactor: accept control client failed")
		return
	}
	for _, ev := range evicted {
		for fd, e := range r.fds {
			if e.kind == fdKindControlClient && e.client == ev {
				r.epollDel(fd)
			}
		}
		r.d.control.Remove(ev)
	}
	if err := r.epollAdd(client.FD(), unix.EPOLLIN, fdEntry{kind: fdKindControlClient, client: client}); err != nil {
		r.log.WithError(err).Warn("reactor: register control client fd failed")
	}
}

// RegisterDeathWait implements victim.DeathWaitRegistrar: it registers the
// dispatched victim's process-FD with epoll, or falls back to polling its
// /proc/<pid> path on every subsequent tick when process-FDs are
// unsupported (§4.G's two death-wait completion sources).
func (r *Reactor) RegisterDeathWait(pid int32, procFD int32, hasProcFD bool) {
	r.d.lastKillDispatch = time.Now()
	if hasProcFD && procFD >= 0 {
		if err := r.epollAdd(int(procFD), unix.EPOLLIN, fdEntry{kind: fdKindDeathWait, deathPID: pid}); err == nil {
			r.d.pollActive = false // pause polling while awaiting death via pidfd, per §4.F step 8
			return
		}
	}
	r.d.deathWaitPollPIDs[pid] = struct{}{}
}

func (r *Reactor) onDeathConfirmed(pid int32, fd int) {
	r.epollDel(fd)
	r.d.onDeath(pid, time.Now())
	r.resumePollingAfterDeath()
}

func (r *Reactor) onKillFailure(pid int32) {
	if fd, ok := r.deathWaitFDForPID(pid); ok {
		r.epollDel(fd)
	}
	delete(r.d.deathWaitPollPIDs, pid)
	r.d.onKillFailure(pid)
	r.resumePollingAfterDeath()
}

func (r *Reactor) deathWaitFDForPID(pid int32) (int, bool) {
	for fd, e := range r.fds {
		if e.kind == fdKindDeathWait && e.deathPID == pid {
			return fd, true
		}
	}
	return -1, false
}

func (r *Reactor) resumePollingAfterDeath() {
	r.d.pollActive = true
	r.d.pollIntervalMs = r.d.nextPollIntervalMs()
}

// checkKillTimeoutExpiry implements death-wait completion source (c) of
// §4.G and §4.F step 2's "otherwise stop any kill-wait": when a dispatched
// kill's death has not been confirmed within kill_timeout_ms of dispatch
// (the shortened wait nextTimeoutMs arranges for), the death-wait is torn
// down (its process-FD deregistered if one was armed, its filesystem-polling
// entry dropped otherwise) and polling resumes, without treating the
// candidate as confirmed dead or as a reaper failure.
func (r *Reactor) checkKillTimeoutExpiry(now time.Time) {
	if !r.d.killPending() || r.d.cfg.KillTimeoutMs <= 0 {
		return
	}
	if now.Sub(r.d.lastKillDispatch) < time.Duration(r.d.cfg.KillTimeoutMs)*time.Millisecond {
		return
	}
	for _, pid := range r.d.victimSel.PendingPIDs() {
		if fd, ok := r.deathWaitFDForPID(pid); ok {
			r.epollDel(fd)
		}
		delete(r.d.deathWaitPollPIDs, pid)
		r.d.onKillTimeout(pid)
	}
	r.resumePollingAfterDeath()
}

// checkFilesystemDeathWaits implements §4.G's fallback death-wait
// completion source: on kernels without pidfd support, RegisterDeathWait
// records the PID in deathWaitPollPIDs instead of arming an epoll fd, so
// death is only observable by checking /proc/<pid> existence. Run on every
// reactor iteration since these PIDs have no fd to notify epoll.
func (r *Reactor) checkFilesystemDeathWaits(now time.Time) {
	for pid := range r.d.deathWaitPollPIDs {
		if procfs.PathExists(fmt.Sprintf("/proc/%d", pid)) {
			continue
		}
		delete(r.d.deathWaitPollPIDs, pid)
		r.d.onDeath(pid, now)
		r.resumePollingAfterDeath()
	}
}

// Close tears down every owned resource.
func (r *Reactor) Close() error {
	r.teardownPressureSources()
	for fd := range r.fds {
		r.epollDel(fd)
	}
	_ = r.d.control.Close()
	_ = r.d.reaper.Close()
	unix.Close(r.epfd)
	return nil
}

// Reinit tears down and rebuilds the pressure-source set after a
// configuration change, per §5: "Reinitialization on a property change
// tears down and rebuilds the entire pressure-source set." Returns an
// error if no source could be armed, the §7 "configuration rejection"
// case the caller turns into a nonzero exit.
func (r *Reactor) Reinit(cfg *config.Config) error {
	r.d.cfg = cfg
	r.d.decisionEngine.SetConfig(cfg)
	r.d.pressureSources = buildPressureSources(r.log, cfg, r.d.cgroupResolver, r.d.cgroupName)
	return r.armPressureSources()
}
