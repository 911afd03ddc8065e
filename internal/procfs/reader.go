// Package procfs provides cached, allocation-light readers over the /proc
// files the decision engine and registry depend on.
package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const initialBufSize = 4096

// Reader keeps a persistent descriptor and a buffer that grows to a steady
// state size, so repeated reads of the same file never allocate once warm.
type Reader struct {
	mu   sync.Mutex
	path string
	fd   int
	buf  []byte
}

// NewReader opens path once and keeps it open for the lifetime of the Reader.
func NewReader(path string) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("procfs: open %s: %w", path, err)
	}
	return &Reader{
		path: path,
		fd:   fd,
		buf:  make([]byte, initialBufSize),
	}, nil
}

// Close releases the underlying descriptor.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// Read does a pread from offset 0, doubling the buffer until a short read
// (or an error) signals the whole file fit. It never shrinks the buffer, so
// steady-state reads of the same file reuse the same allocation.
func (r *Reader) Read() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		n, err := unix.Pread(r.fd, r.buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("procfs: pread %s: %w", r.path, err)
		}
		if n < len(r.buf) {
			return r.buf[:n], nil
		}
		// filled the buffer exactly: it might be bigger. Double and retry.
		r.buf = make([]byte, len(r.buf)*2)
	}
}

// ParseKV scans text in the "Key: value unit" or "Key value" shape (meminfo,
// vmstat, status) and returns the integer fields named in want. Missing
// fields are simply absent from the result; malformed integers are skipped.
func ParseKV(data []byte, want map[string]bool) map[string]int64 {
	out := make(map[string]int64, len(want))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		var key, rest string
		if colon >= 0 {
			key = line[:colon]
			rest = strings.TrimSpace(line[colon+1:])
		} else {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			key = fields[0]
			rest = strings.Join(fields[1:], " ")
		}
		if want != nil && !want[key] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		out[key] = v
	}
	return out
}

// PathExists reports whether a /proc/<pid> style path still resolves,
// used for filesystem-polling death detection when process-FDs are
// unavailable.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
