// Package reaper is the default implementation of the "reaper worker"
// collaborator named out-of-scope in §1/§6: a helper that performs the kill
// syscall, connected to the reactor only by file descriptors/channels, per
// §5's "two helper threads that communicate exclusively by file
// descriptors." Kill dispatch is a buffered channel send (the Go-idiomatic
// equivalent of a request pipe, per §9's design note); kill *failures* are
// additionally signalled on a real pipe so the reactor can register the
// descriptor with epoll exactly as §4.G describes ("a datagram on the
// reaper's failure-notification pipe").
package reaper

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const requestQueueCapacity = 8

// Reaper performs kill syscalls off the reactor thread.
type Reaper struct {
	log      *logrus.Entry
	requests chan int32
	done     chan struct{}
	failR    int
	failW    int
}

// New starts the reaper goroutine and returns a handle. Close must be
// called to release its pipe descriptors.
func New(log *logrus.Entry) (*Reaper, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("reaper: pipe2: %w", err)
	}
	r := &Reaper{
		log:      log.WithField("component", "reaper"),
		requests: make(chan int32, requestQueueCapacity),
		done:     make(chan struct{}),
		failR:    fds[0],
		failW:    fds[1],
	}
	go r.run()
	return r, nil
}

func (r *Reaper) run() {
	for pid := range r.requests {
		err := unix.Kill(int(pid), unix.SIGKILL)
		if err != nil && err != unix.ESRCH {
			r.log.WithError(err).Warnf("reaper: kill pid %d failed", pid)
			r.reportFailure(pid)
		}
	}
	close(r.done)
}

func (r *Reaper) reportFailure(pid int32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(pid))
	if _, err := unix.Write(r.failW, buf); err != nil {
		r.log.WithError(err).Warn("reaper: failed to write failure notification")
	}
}

// Kill asynchronously requests pid be killed. It never blocks the caller
// (the reactor): when the request queue is full the request is dropped and
// a warning is logged.
func (r *Reaper) Kill(pid int32) {
	select {
	case r.requests <- pid:
	default:
		r.log.Warnf("reaper: request queue full, dropping kill request for pid %d", pid)
	}
}

// FailureFD is the descriptor the reactor should register with epoll to
// learn about kill failures.
func (r *Reaper) FailureFD() int { return r.failR }

// DrainFailures reads every queued failure notification from the pipe.
func (r *Reaper) DrainFailures() []int32 {
	var pids []int32
	buf := make([]byte, 4)
	for {
		n, err := unix.Read(r.failR, buf)
		if err != nil || n != 4 {
			return pids
		}
		pids = append(pids, int32(binary.LittleEndian.Uint32(buf)))
	}
}

// Close stops the reaper goroutine and releases the pipe.
func (r *Reaper) Close() error {
	close(r.requests)
	<-r.done
	unix.Close(r.failR)
	unix.Close(r.failW)
	return nil
}
