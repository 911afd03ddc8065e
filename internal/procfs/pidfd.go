package procfs

import "golang.org/x/sys/unix"

// OpenPidFD opens a process file descriptor for pid, used to detect process
// death via epoll rather than polling /proc/<pid> for existence. Returns
// ok=false on kernels without pidfd_open (§7 "missing optional kernel
// features: degrade capability, continue").
func OpenPidFD(pid int) (fd int, ok bool) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return -1, false
	}
	return fd, true
}
