// Package memcg implements the legacy cgroup-v1 memory-pressure-level
// eventfd bank pressure source (§4.E.2): one eventfd per level, armed
// through cgroup.event_control against memory.pressure_level. On any
// fire, all three eventfds are read and the level is promoted to the
// highest that fired.
//
// Grounded on other_examples/uprtdev-memory-pressure__cgroups.go.
package memcg

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lowmemkilld/lowmemkilld/internal/cgroup"
	"github.com/lowmemkilld/lowmemkilld/internal/pressure"
)

var levelNames = []string{"low", "medium", "critical"}
var levelOrder = []pressure.Level{pressure.LevelLow, pressure.LevelMedium, pressure.LevelCritical}

// Monitor is the legacy memcg eventfd pressure source.
type Monitor struct {
	log        *logrus.Entry
	resolver   cgroup.PathResolver
	cgroupName string
	fds        [3]int // indexed by levelOrder position, -1 if unarmed
}

// New creates a memcg monitor for the given cgroup (empty string = root
// memory cgroup).
func New(log *logrus.Entry, resolver cgroup.PathResolver, cgroupName string) *Monitor {
	m := &Monitor{
		log:        log.WithField("component", "pressure.memcg"),
		resolver:   resolver,
		cgroupName: cgroupName,
	}
	for i := range m.fds {
		m.fds[i] = -1
	}
	return m
}

func (m *Monitor) Name() string { return "memcg" }

func (m *Monitor) Arm() error {
	m.closeAll()
	armedAny := false
	for i, name := range levelNames {
		fd, err := m.armLevel(name)
		if err != nil {
			m.log.WithError(err).Warnf("memcg: failed to arm level %s", name)
			continue
		}
		m.fds[i] = fd
		armedAny = true
	}
	if !armedAny {
		return fmt.Errorf("memcg: no level could be armed")
	}
	return nil
}

func (m *Monitor) armLevel(level string) (int, error) {
	eventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}

	pressureFile, err := os.Open(m.resolver.PressureLevelPath(m.cgroupName))
	if err != nil {
		unix.Close(eventFD)
		return -1, fmt.Errorf("open pressure_level: %w", err)
	}
	defer pressureFile.Close()

	eventControl, err := os.OpenFile(m.resolver.EventControlPath(m.cgroupName), os.O_WRONLY, 0)
	if err != nil {
		unix.Close(eventFD)
		return -1, fmt.Errorf("open event_control: %w", err)
	}
	defer eventControl.Close()

	cmd := fmt.Sprintf("%d %d %s", eventFD, pressureFile.Fd(), level)
	if _, err := eventControl.WriteString(cmd); err != nil {
		unix.Close(eventFD)
		return -1, fmt.Errorf("arm %s: %w", level, err)
	}
	return eventFD, nil
}

func (m *Monitor) FDs() []int {
	out := make([]int, 0, len(m.fds))
	for _, fd := range m.fds {
		if fd >= 0 {
			out = append(out, fd)
		}
	}
	return out
}

// HandleReadable drains the fired eventfd's counter and, per §4.E.2,
// re-reads all armed eventfds non-blockingly to promote the reported level
// to the highest one currently firing.
func (m *Monitor) HandleReadable(fd int) ([]pressure.Event, error) {
	buf := make([]byte, 8)
	if n, err := unix.Read(fd, buf); err != nil || n != 8 {
		return nil, fmt.Errorf("memcg: read eventfd %d: %w", fd, err)
	}

	highest := pressure.LevelNone
	for i, candidateFD := range m.fds {
		if candidateFD < 0 {
			continue
		}
		cbuf := make([]byte, 8)
		n, err := unix.Read(candidateFD, cbuf)
		if err != nil {
			continue // EAGAIN: this level isn't currently firing
		}
		if n == 8 && binary.LittleEndian.Uint64(cbuf) > 0 {
			if levelOrder[i] > highest {
				highest = levelOrder[i]
			}
		}
	}
	if highest == pressure.LevelNone {
		// the fd that woke us still counts as its own level even if the
		// re-poll above raced past its counter.
		for i, candidateFD := range m.fds {
			if candidateFD == fd {
				highest = levelOrder[i]
			}
		}
	}
	return []pressure.Event{{Kind: pressure.EventKindMemcg, Level: highest}}, nil
}

func (m *Monitor) closeAll() {
	for i, fd := range m.fds {
		if fd >= 0 {
			unix.Close(fd)
			m.fds[i] = -1
		}
	}
}

func (m *Monitor) Close() error {
	m.closeAll()
	return nil
}
