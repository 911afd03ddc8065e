package procfs

// VmstatFields are the /proc/vmstat counters the reclaim-state derivation
// and thrashing window need. Both refault key spellings are accepted per
// §9's note that kernel versions vary here.
var VmstatFields = map[string]bool{
	"pgscan_direct":             true,
	"pgscan_kswapd":             true,
	"pgrefill":                  true,
	"workingset_refault":        true,
	"workingset_refault_file":   true,
	"workingset_refault_anon":   true,
}

// Vmstat is the decoded counter subset of /proc/vmstat.
type Vmstat struct {
	PgscanDirect     int64
	PgscanKswapd     int64
	Pgrefill         int64
	WorkingsetRefault int64
}

// ParseVmstat decodes a raw /proc/vmstat read, preferring the
// workingset_refault_file counter when present and falling back to the
// combined workingset_refault counter on older kernels.
func ParseVmstat(data []byte) Vmstat {
	kv := ParseKV(data, VmstatFields)
	refault, ok := kv["workingset_refault_file"]
	if !ok {
		refault = kv["workingset_refault"]
	}
	return Vmstat{
		PgscanDirect:      kv["pgscan_direct"],
		PgscanKswapd:      kv["pgscan_kswapd"],
		Pgrefill:          kv["pgrefill"],
		WorkingsetRefault: refault,
	}
}
