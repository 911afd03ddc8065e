package procfs

import "errors"

// ErrProcessGone means a write to a per-process /proc file failed because
// the process no longer exists — §7 treats this as "process already dead,"
// not a transient syscall failure.
var ErrProcessGone = errors.New("procfs: process no longer exists")
