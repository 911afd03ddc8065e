// Package gpumem is the default implementation of the "BPF map accessor for
// GPU memory" collaborator named out-of-scope in §1/§6. It sums the pinned
// map named in §6 (map_gpuMem_gpu_mem_total_map) when present, for the
// kill-event log's total-gpu-kb field.
package gpumem

import (
	"github.com/cilium/ebpf"
)

// DefaultMapPath is the conventional bpffs location for the pinned map.
const DefaultMapPath = "/sys/fs/bpf/map_gpuMem_gpu_mem_total_map"

// Accessor reads total GPU memory usage, in kB, from a pinned BPF map.
type Accessor struct {
	mapPath   string
	supported bool
	m         *ebpf.Map
}

// New returns an Accessor for the given pinned map path.
func New(mapPath string) *Accessor {
	return &Accessor{mapPath: mapPath}
}

// Open attempts to load the pinned map. A missing map is not an error —
// Open simply leaves the accessor unsupported and TotalKB returns (0, false)
// thereafter, per §7's "missing optional kernel features."
func (a *Accessor) Open() {
	m, err := ebpf.LoadPinnedMap(a.mapPath, nil)
	if err != nil {
		a.supported = false
		return
	}
	a.m = m
	a.supported = true
}

// TotalKB sums every entry's value across the pinned per-process GPU memory
// map. Returns (0, false) when the map is unavailable.
func (a *Accessor) TotalKB() (int64, bool) {
	if !a.supported || a.m == nil {
		return 0, false
	}
	var (
		total int64
		key   uint32
		val   uint64
	)
	it := a.m.Iterate()
	for it.Next(&key, &val) {
		total += int64(val)
	}
	if err := it.Err(); err != nil {
		return 0, false
	}
	return total / 1024, true
}

// Close releases the map handle.
func (a *Accessor) Close() {
	if a.m != nil {
		a.m.Close()
	}
}
