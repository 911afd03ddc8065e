// Package legacylmk is the default implementation of the "in-kernel legacy
// LMK fallback interface" collaborator named out-of-scope in §1/§6. When
// the optional /proc/lowmemorykiller tunable exists, it mirrors the current
// target table into that interface's minfree/adj format so the in-kernel
// fallback stays consistent with user-space decisions; it is a no-op when
// the file is absent, per §7's "missing optional kernel features."
package legacylmk

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
)

// DefaultPath is the legacy kernel tunable's conventional location.
const DefaultPath = "/proc/lowmemorykiller"

// Writer mirrors the target table into the legacy kernel interface.
type Writer struct {
	path      string
	supported bool
	checked   bool
}

// New returns a Writer for the given path.
func New(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) ensureChecked() {
	if w.checked {
		return
	}
	w.checked = true
	if _, err := os.Stat(w.path); err == nil {
		w.supported = true
	}
}

// Supported reports whether the legacy interface file exists.
func (w *Writer) Supported() bool {
	w.ensureChecked()
	return w.supported
}

// Sync writes the target table's (minfree_pages, oom_adj) pairs into the
// legacy interface as a single comma-separated minfree list followed by a
// comma-separated adj list, the classic /proc/lowmemorykiller format.
func (w *Writer) Sync(entries []evaluator.TargetEntry) error {
	w.ensureChecked()
	if !w.supported {
		return nil
	}
	minfree := make([]string, len(entries))
	adj := make([]string, len(entries))
	for i, e := range entries {
		minfree[i] = strconv.FormatInt(e.FreePages, 10)
		adj[i] = strconv.FormatInt(int64(e.OOMAdjKillFloor), 10)
	}
	line := strings.Join(minfree, ",") + "\n" + strings.Join(adj, ",") + "\n"
	if err := os.WriteFile(w.path, []byte(line), 0644); err != nil {
		return fmt.Errorf("legacylmk: write %s: %w", w.path, err)
	}
	return nil
}
