package reactor

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lowmemkilld/lowmemkilld/internal/cgroup"
	"github.com/lowmemkilld/lowmemkilld/internal/config"
	"github.com/lowmemkilld/lowmemkilld/internal/control"
	"github.com/lowmemkilld/lowmemkilld/internal/decision"
	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
	"github.com/lowmemkilld/lowmemkilld/internal/gpumem"
	"github.com/lowmemkilld/lowmemkilld/internal/killcount"
	"github.com/lowmemkilld/lowmemkilld/internal/legacylmk"
	"github.com/lowmemkilld/lowmemkilld/internal/metrics"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure/kevents"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure/memcg"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure/psi"
	"github.com/lowmemkilld/lowmemkilld/internal/procfs"
	"github.com/lowmemkilld/lowmemkilld/internal/reaper"
	"github.com/lowmemkilld/lowmemkilld/internal/registry"
	"github.com/lowmemkilld/lowmemkilld/internal/stats"
	"github.com/lowmemkilld/lowmemkilld/internal/victim"
)

// Daemon binds every component named in §9's "single daemon object" note:
// the global mutable state (registry, killcnt, target table, last-kill
// time, monitors-initialized flag) lives here with explicit
// initialization, and is injected into the reactor's handlers rather than
// read from package-level globals.
type Daemon struct {
	log *logrus.Entry
	cfg *config.Config

	socketPath string
	configPath string
	cgroupName string

	reg             *registry.Registry
	killcountBook   *killcount.Book
	targets         *evaluator.TargetTable
	thrashing       *evaluator.ThrashingWindow
	watermark       *evaluator.WatermarkTracker
	reclaim         *evaluator.ReclaimTracker
	decisionEngine  *decision.Engine
	reaper          *reaper.Reaper
	victimSel       *victim.Selector
	statsSink       *stats.Sink
	metrics         *metrics.Metrics
	control         *control.Server
	gpumemAcc       *gpumem.Accessor
	legacyLMK       *legacylmk.Writer
	cgroupResolver  cgroup.PathResolver
	pressureSources []pressure.Source

	meminfoReader *procfs.Reader
	vmstatReader  *procfs.Reader
	psiMemReader  *procfs.Reader
	psiIOReader   *procfs.Reader
	psiCPUReader  *procfs.Reader

	monitoringStarted bool
	bootCompleted     bool

	pollActive     bool
	pollIntervalMs int
	pollStopAt     time.Time

	lastKillDispatch time.Time
	lastEventTime    time.Time
	lastWakeupTime   time.Time
	wakeupsSinceEvent int64
	skippedWakeups    int64

	postKillPending bool

	deathWaitPollPIDs map[int32]struct{}

	criticalPSI             bool
	directReclaimFromKernel bool

	swapLowCached bool

	lastWorkingsetRefault int64
	refaultPrimed         bool

	// reinit and startMonitoringIfDeferred are bound by the Reactor after
	// construction (they need epoll registration, which only the Reactor
	// owns) and invoked from the control.Handler methods in
	// daemon_control.go.
	reinit                    func() error
	startMonitoringIfDeferred func() error
}

func timeNow() time.Time { return time.Now() }

func closeFD(fd int32) error { return unix.Close(int(fd)) }

// Options bundles the filesystem/startup parameters NewDaemon needs beyond the
// parsed Config.
type Options struct {
	SocketPath    string
	ConfigPath    string
	GPUMapPath    string
	LegacyLMKPath string
	CgroupName    string
}

// NewDaemon wires every component of §2's table into one Daemon: the proc
// readers (A), registry (B), kill-count book (C), evaluator (D), pressure
// sources (E), decision engine (F), victim selector (G), control protocol
// glue (H, via control.Handler below), and the collaborator adapters of
// §10/§11.
func NewDaemon(log *logrus.Entry, cfg *config.Config, opts Options) (*Daemon, error) {
	reg := registry.New()
	kcBook := killcount.New(log)
	targets := evaluator.NewTargetTable()
	thrashing := evaluator.NewThrashingWindow()

	meminfoReader, err := procfs.NewReader("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	vmstatReader, err := procfs.NewReader("/proc/vmstat")
	if err != nil {
		return nil, err
	}
	zoneinfoReader, err := procfs.NewReader("/proc/zoneinfo")
	if err != nil {
		return nil, err
	}
	psiMemReader, err := procfs.NewReader("/proc/pressure/memory")
	if err != nil {
		log.WithError(err).Warn("daemon: /proc/pressure/memory unavailable, critical-stall detection disabled")
	}
	psiIOReader, err := procfs.NewReader("/proc/pressure/io")
	if err != nil {
		log.WithError(err).Debug("daemon: /proc/pressure/io unavailable")
	}
	psiCPUReader, err := procfs.NewReader("/proc/pressure/cpu")
	if err != nil {
		log.WithError(err).Debug("daemon: /proc/pressure/cpu unavailable")
	}

	watermark := evaluator.NewWatermarkTracker(zoneinfoReaderAdapter{zoneinfoReader})
	reclaim := evaluator.NewReclaimTracker()
	decisionEngine := decision.New(cfg, targets)

	rp, err := reaper.New(log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	resolver := cgroup.New()

	d := &Daemon{
		log:            log.WithField("component", "daemon"),
		cfg:            cfg,
		socketPath:     opts.SocketPath,
		configPath:     opts.ConfigPath,
		cgroupName:     opts.CgroupName,
		reg:            reg,
		killcountBook:  kcBook,
		targets:        targets,
		thrashing:      thrashing,
		watermark:      watermark,
		reclaim:        reclaim,
		decisionEngine: decisionEngine,
		reaper:         rp,
		metrics:        m,
		gpumemAcc:      gpumem.New(firstNonEmpty(opts.GPUMapPath, gpumem.DefaultMapPath)),
		legacyLMK:      legacylmk.New(firstNonEmpty(opts.LegacyLMKPath, legacylmk.DefaultPath)),
		cgroupResolver: resolver,
		meminfoReader:  meminfoReader,
		vmstatReader:   vmstatReader,
		psiMemReader:   psiMemReader,
		psiIOReader:    psiIOReader,
		psiCPUReader:   psiCPUReader,
		deathWaitPollPIDs: make(map[int32]struct{}),
	}
	d.gpumemAcc.Open()
	d.control = control.New(log, d)
	d.statsSink = stats.New(log, m, d.control)
	victim.SetPageSize(pageKB)
	d.victimSel = victim.New(log, reg, rp, nil, nil, kcBook, d.statsSink, thrashing, cfg)
	d.pressureSources = buildPressureSources(log, cfg, resolver, opts.CgroupName)

	return d, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// zoneinfoReaderAdapter adapts *procfs.Reader to evaluator.ZoneinfoReader.
type zoneinfoReaderAdapter struct{ r *procfs.Reader }

func (z zoneinfoReaderAdapter) Read() ([]byte, error) { return z.r.Read() }

// buildPressureSources constructs the closed set of pressure-source
// families enabled by configuration, per §4.E and the tagged-variant
// design note in §9.
func buildPressureSources(log *logrus.Entry, cfg *config.Config, resolver cgroup.PathResolver, cgroupName string) []pressure.Source {
	var sources []pressure.Source

	if cfg.UsePSI {
		levels := []psi.LevelConfig{
			{Level: pressure.LevelLow, Kind: psi.StallSome, ThresholdMs: 0, WindowMs: 1000, Enabled: false},
			{Level: pressure.LevelMedium, Kind: psi.StallSome, ThresholdMs: int(cfg.PSIPartialStallMs), WindowMs: 1000, Enabled: true},
			{Level: pressure.LevelCritical, Kind: psi.StallFull, ThresholdMs: int(cfg.PSICompleteStallMs), WindowMs: 1000, Enabled: true},
		}
		sources = append(sources, psi.New(log, levels))
	} else {
		sources = append(sources, memcg.New(log, resolver, cgroupName))
	}

	sources = append(sources, kevents.New(log, "/sys/fs/bpf/map_memEvents_ring"))
	return sources
}

// Metrics exposes the daemon's private prometheus registry so the CLI
// entrypoint can wire an HTTP scrape listener when configured (§11.5).
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// killPending reports whether the victim selector is currently awaiting a
// death notification for a dispatched kill.
func (d *Daemon) killPending() bool { return d.victimSel.Pending() }

// nextPollIntervalMs implements §4.F step 8's polling-interval rule: 10ms
// under swap pressure or while a kill is pending, 100ms otherwise.
func (d *Daemon) nextPollIntervalMs() int {
	if d.swapLowCached || d.killPending() {
		return 10
	}
	return 100
}

// psiPollWindow is the §4.I "one PSI window" of inactivity polling survives
// past the last pressure event before self-terminating.
const psiPollWindow = time.Second

// startPolling implements §4.I's start transition: a pressure event arms (or
// extends) a self-terminating polling window.
func (d *Daemon) startPolling(now time.Time) {
	d.pollActive = true
	d.pollIntervalMs = d.nextPollIntervalMs()
	d.pollStopAt = now.Add(psiPollWindow)
}

// maybeStopPolling implements §4.I's polling self-termination: once
// pollStopAt has passed with no intervening pressure event and no kill
// still pending, polling is paused until the next pressure event restarts
// it.
func (d *Daemon) maybeStopPolling(now time.Time) {
	if !d.pollActive || d.killPending() {
		return
	}
	if d.pollStopAt.IsZero() || now.Before(d.pollStopAt) {
		return
	}
	d.pollActive = false
	d.pollIntervalMs = 0
	d.refreshGauges()
}

// refreshGauges pushes the daemon's current state into the §11.5
// introspection gauges. Called after every tick/event so a scrape always
// sees a fresh registry size and polling interval.
func (d *Daemon) refreshGauges() {
	d.metrics.RegistrySize.Set(float64(d.reg.Size()))
	if d.pollActive {
		d.metrics.PollingIntervalMs.Set(float64(d.pollIntervalMs))
	} else {
		d.metrics.PollingIntervalMs.Set(0)
	}
}
