// Package kevents implements the kernel memory-event ring listener
// pressure source (§4.E.3): a ring buffer delivering typed events
// (direct-reclaim begin/end, kswapd wake/sleep, vendor-kill requests,
// zoneinfo-update notifications). Per §4.E.3 it is armed only after
// boot-complete, to avoid BPF-program-loading contention during boot.
//
// The ring buffer itself is read by github.com/cilium/ebpf/ringbuf, whose
// Reader already does its own internal epoll wait; this source bridges
// that into the single reactor epoll loop with a self-pipe, following the
// "side threads communicate only by file descriptors" rule in §5/§9: a
// goroutine drains the ring buffer and writes one byte per queued event
// into the pipe the reactor polls.
package kevents

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lowmemkilld/lowmemkilld/internal/pressure"
)

const eventQueueCapacity = 256

// wireEvent mirrors the fixed-size record the kernel side writes into the
// ring buffer.
type wireEvent struct {
	Type   uint32
	Reason int32
	MinAdj int32
	TsNs   uint64
}

const wireEventSize = 20

// Listener is the kernel memory-event ring pressure source.
type Listener struct {
	log     *logrus.Entry
	mapPath string

	bpfMap *ebpf.Map
	reader *ringbuf.Reader

	notifyR, notifyW int
	events           chan pressure.Event
	stop             chan struct{}
	armed            bool
}

// New creates a listener over the pinned BPF ring-buffer map at mapPath.
func New(log *logrus.Entry, mapPath string) *Listener {
	return &Listener{
		log:     log.WithField("component", "pressure.kevents"),
		mapPath: mapPath,
		events:  make(chan pressure.Event, eventQueueCapacity),
	}
}

func (l *Listener) Name() string { return "kevents" }

// Arm loads the pinned map, opens the ring reader, and starts the drain
// goroutine. Absence of the pinned map (no BPF program loaded, or an older
// kernel without ring-buffer support) is reported as an error so callers
// can fall back to vmstat-delta reclaim-state derivation, per §7's
// "missing optional kernel features."
func (l *Listener) Arm() error {
	if l.armed {
		l.Close()
	}

	m, err := ebpf.LoadPinnedMap(l.mapPath, nil)
	if err != nil {
		return fmt.Errorf("kevents: load pinned map %s: %w", l.mapPath, err)
	}
	reader, err := ringbuf.NewReader(m)
	if err != nil {
		m.Close()
		return fmt.Errorf("kevents: new ring reader: %w", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		reader.Close()
		m.Close()
		return fmt.Errorf("kevents: pipe2: %w", err)
	}

	l.bpfMap = m
	l.reader = reader
	l.notifyR, l.notifyW = fds[0], fds[1]
	l.stop = make(chan struct{})
	l.armed = true

	go l.drain()
	return nil
}

func (l *Listener) drain() {
	for {
		rec, err := l.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			l.log.WithError(err).Warn("kevents: ring read error")
			continue
		}
		ev, ok := decode(rec.RawSample)
		if !ok {
			l.log.Warn("kevents: dropped malformed ring record")
			continue
		}
		select {
		case l.events <- ev:
		default:
			l.log.Warn("kevents: event queue full, dropping event")
			continue
		}
		select {
		case <-l.stop:
			return
		default:
		}
		_, _ = unix.Write(l.notifyW, []byte{1})
	}
}

func decode(raw []byte) (pressure.Event, bool) {
	if len(raw) < wireEventSize {
		return pressure.Event{}, false
	}
	var w wireEvent
	r := bytes.NewReader(raw[:wireEventSize])
	if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
		return pressure.Event{}, false
	}
	ke := &pressure.KernelEvent{
		Type:      pressure.KernelEventType(w.Type),
		Timestamp: time.Unix(0, int64(w.TsNs)),
		Reason:    w.Reason,
		MinAdj:    w.MinAdj,
	}
	return pressure.Event{Kind: pressure.EventKindKernel, Kernel: ke}, true
}

// FDs returns the self-pipe's read end for the reactor to poll.
func (l *Listener) FDs() []int {
	if !l.armed {
		return nil
	}
	return []int{l.notifyR}
}

// HandleReadable drains the notification byte(s) and every queued event.
func (l *Listener) HandleReadable(fd int) ([]pressure.Event, error) {
	if fd != l.notifyR {
		return nil, fmt.Errorf("kevents: unknown fd %d", fd)
	}
	buf := make([]byte, 64)
	for {
		_, err := unix.Read(l.notifyR, buf)
		if err != nil {
			break
		}
	}
	var out []pressure.Event
	for {
		select {
		case ev := <-l.events:
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

func (l *Listener) Close() error {
	if !l.armed {
		return nil
	}
	close(l.stop)
	if l.reader != nil {
		l.reader.Close()
	}
	if l.bpfMap != nil {
		l.bpfMap.Close()
	}
	unix.Close(l.notifyR)
	unix.Close(l.notifyW)
	l.armed = false
	return nil
}
