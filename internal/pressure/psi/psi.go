// Package psi implements the PSI monitor bank pressure source (§4.E.1):
// one descriptor per level, each configured with a (stall-kind,
// threshold-ms, 1000ms window) trigger written into
// /proc/pressure/memory, armed with EPOLLPRI.
//
// Grounded on other_examples/uprtdev-memory-pressure__psi_trig.go's
// open/write/epoll-PRI shape.
package psi

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lowmemkilld/lowmemkilld/internal/pressure"
)

const memoryPressurePath = "/proc/pressure/memory"

// StallKind is "some" or "full" per the PSI trigger grammar.
type StallKind string

const (
	StallSome StallKind = "some"
	StallFull StallKind = "full"
)

// LevelConfig is one level's trigger configuration.
type LevelConfig struct {
	Level      pressure.Level
	Kind       StallKind
	ThresholdMs int
	WindowMs    int
	Enabled     bool
}

// Monitor is the PSI pressure source: one fd per enabled level.
type Monitor struct {
	log    *logrus.Entry
	levels []LevelConfig
	fds    map[int]pressure.Level
}

// New creates a PSI monitor bank from the given level configurations. A
// LevelConfig with Enabled=false is skipped entirely (the spec's "low level
// disabled by default in the new strategy").
func New(log *logrus.Entry, levels []LevelConfig) *Monitor {
	return &Monitor{
		log:    log.WithField("component", "pressure.psi"),
		levels: levels,
		fds:    make(map[int]pressure.Level),
	}
}

func (m *Monitor) Name() string { return "psi" }

// Arm opens one descriptor per enabled level and writes its trigger string.
// Any level that fails to open (old kernel without /proc/pressure) is
// skipped with a warning, per §7's "missing optional kernel features."
func (m *Monitor) Arm() error {
	m.closeAll()
	armedAny := false
	for _, lc := range m.levels {
		if !lc.Enabled {
			continue
		}
		fd, err := m.openTrigger(lc)
		if err != nil {
			m.log.WithError(err).Warnf("psi: failed to arm level %s", lc.Level)
			continue
		}
		m.fds[fd] = lc.Level
		armedAny = true
	}
	if !armedAny {
		return fmt.Errorf("psi: no level could be armed")
	}
	return nil
}

func (m *Monitor) openTrigger(lc LevelConfig) (int, error) {
	fd, err := unix.Open(memoryPressurePath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", memoryPressurePath, err)
	}
	trigger := fmt.Sprintf("%s %d %d\x00", lc.Kind, lc.ThresholdMs*1000, lc.WindowMs*1000)
	if _, err := unix.Write(fd, []byte(trigger)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("write trigger %q: %w", trigger, err)
	}
	return fd, nil
}

func (m *Monitor) FDs() []int {
	fds := make([]int, 0, len(m.fds))
	for fd := range m.fds {
		fds = append(fds, fd)
	}
	return fds
}

// HandleReadable reports the level whose trigger fired. PSI trigger fds
// signal via EPOLLPRI with no payload to read, so this simply looks up the
// level associated with fd.
func (m *Monitor) HandleReadable(fd int) ([]pressure.Event, error) {
	level, ok := m.fds[fd]
	if !ok {
		return nil, fmt.Errorf("psi: unknown fd %d", fd)
	}
	return []pressure.Event{{Kind: pressure.EventKindPSI, Level: level}}, nil
}

func (m *Monitor) closeAll() {
	for fd := range m.fds {
		unix.Close(fd)
	}
	m.fds = make(map[int]pressure.Level)
}

func (m *Monitor) Close() error {
	m.closeAll()
	return nil
}
