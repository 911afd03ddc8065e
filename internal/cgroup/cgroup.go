// Package cgroup is the default implementation of the "cgroup path lookup
// library" collaborator named as out-of-scope in §1/§6. It resolves the
// handful of cgroup v1 memory-controller paths the legacy memcg pressure
// source needs (raw filesystem paths, since the eventfd-arming dance has no
// library wrapper), and uses github.com/containerd/cgroups/v3/cgroup1 for
// the usage/swap-usage figures the legacy decision strategy reads.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/cgroups/v3/cgroup1"
)

const fallbackMemoryRoot = "/sys/fs/cgroup/memory"

// PathResolver resolves cgroup v1 memory-controller attribute paths for a
// given cgroup name (empty string means the root memory cgroup).
type PathResolver interface {
	PressureLevelPath(cgroupName string) string
	EventControlPath(cgroupName string) string
}

type resolver struct{}

// New returns the default PathResolver.
func New() PathResolver {
	return resolver{}
}

func memoryRoot(cgroupName string) string {
	if cgroupName == "" {
		return fallbackMemoryRoot
	}
	return filepath.Join(fallbackMemoryRoot, cgroupName)
}

func (resolver) PressureLevelPath(cgroupName string) string {
	return filepath.Join(memoryRoot(cgroupName), "memory.pressure_level")
}

func (resolver) EventControlPath(cgroupName string) string {
	return filepath.Join(memoryRoot(cgroupName), "cgroup.event_control")
}

// Usage is the subset of cgroup1 memory statistics the legacy decision
// strategy (§4.F) reads: current usage and usage-plus-swap, in bytes.
type Usage struct {
	UsageBytes      uint64
	MemswUsageBytes uint64
}

// ReadUsage loads the named cgroup (StaticPath, relative to the memory
// subsystem root) and returns its current memory + memory+swap usage,
// mirroring what the legacy strategy would otherwise read directly from
// memory.usage_in_bytes / memory.memsw.usage_in_bytes.
func ReadUsage(cgroupName string) (Usage, error) {
	if cgroupName == "" {
		cgroupName = "/"
	}
	cg, err := cgroup1.Load(cgroup1.StaticPath(cgroupName), cgroup1.WithHiearchy(cgroup1.Default))
	if err != nil {
		return readUsageFallback(cgroupName)
	}
	stats, err := cg.Stat(cgroup1.IgnoreNotExist)
	if err != nil {
		return Usage{}, fmt.Errorf("cgroup: stat %s: %w", cgroupName, err)
	}
	if stats == nil || stats.Memory == nil {
		return Usage{}, fmt.Errorf("cgroup: no memory stats for %s", cgroupName)
	}
	var u Usage
	if stats.Memory.Usage != nil {
		u.UsageBytes = stats.Memory.Usage.Usage
	}
	if stats.Memory.Swap != nil {
		u.MemswUsageBytes = stats.Memory.Swap.Usage
	}
	return u, nil
}

// readUsageFallback reads the raw usage_in_bytes/memsw.usage_in_bytes files
// directly when the cgroup1 library cannot resolve a hierarchy at all (e.g.
// a mount namespace without the named memory controller mounted where the
// library expects it).
func readUsageFallback(cgroupName string) (Usage, error) {
	root := memoryRoot(cgroupName)
	usage, err := readRawBytes(filepath.Join(root, "memory.usage_in_bytes"))
	if err != nil {
		return Usage{}, fmt.Errorf("cgroup: fallback read usage for %s: %w", cgroupName, err)
	}
	memsw, err := readRawBytes(filepath.Join(root, "memory.memsw.usage_in_bytes"))
	if err != nil {
		memsw = usage
	}
	return Usage{UsageBytes: uint64(usage), MemswUsageBytes: uint64(memsw)}, nil
}

func readRawBytes(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v int64
	for _, c := range data {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int64(c-'0')
	}
	return v, nil
}
