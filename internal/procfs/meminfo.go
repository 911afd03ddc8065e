package procfs

import "os"

// MeminfoFields are the /proc/meminfo keys the evaluator consumes, matched
// by name against a fixed table as §4.A requires.
var MeminfoFields = map[string]bool{
	"MemTotal":       true,
	"MemFree":        true,
	"MemAvailable":   true,
	"Active(anon)":   true,
	"Inactive(anon)": true,
	"Active(file)":   true,
	"Inactive(file)": true,
	"Shmem":          true,
	"SwapTotal":      true,
	"SwapFree":       true,
	"SReclaimable":   true,
	"CmaFree":        true,
}

// Meminfo is the decoded, page-unit subset of /proc/meminfo that the
// evaluator needs. All fields are in pages, converted from the kB values
// the kernel reports.
type Meminfo struct {
	TotalPages        int64
	FreePages         int64
	AvailablePages    int64
	ActiveAnonPages   int64
	InactiveAnonPages int64
	ActiveFilePages   int64
	InactiveFilePages int64
	ShmemPages        int64
	SwapTotalPages    int64
	SwapFreePages     int64
	ReclaimablePages  int64
	CmaFreePages      int64
}

var pageSizeKB = int64(os.Getpagesize() / 1024)

func kbToPages(kb int64) int64 {
	if pageSizeKB <= 0 {
		return 0
	}
	return kb / pageSizeKB
}

// ParseMeminfo decodes a raw /proc/meminfo read into page units.
func ParseMeminfo(data []byte) Meminfo {
	kv := ParseKV(data, MeminfoFields)
	return Meminfo{
		TotalPages:        kbToPages(kv["MemTotal"]),
		FreePages:         kbToPages(kv["MemFree"]),
		AvailablePages:    kbToPages(kv["MemAvailable"]),
		ActiveAnonPages:   kbToPages(kv["Active(anon)"]),
		InactiveAnonPages: kbToPages(kv["Inactive(anon)"]),
		ActiveFilePages:   kbToPages(kv["Active(file)"]),
		InactiveFilePages: kbToPages(kv["Inactive(file)"]),
		ShmemPages:        kbToPages(kv["Shmem"]),
		SwapTotalPages:    kbToPages(kv["SwapTotal"]),
		SwapFreePages:     kbToPages(kv["SwapFree"]),
		ReclaimablePages:  kbToPages(kv["SReclaimable"]),
		CmaFreePages:      kbToPages(kv["CmaFree"]),
	}
}

// KBFields returns the raw kB values keyed by field name, used verbatim by
// the §6 kill-event log record (which logs "all meminfo fields in kB").
func KBFields(data []byte) map[string]int64 {
	return ParseKV(data, nil)
}
