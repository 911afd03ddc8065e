package evaluator

import "github.com/lowmemkilld/lowmemkilld/internal/procfs"

// SwapUtilizationPercent computes 100 * used_swap / (active_anon +
// inactive_anon + shmem + used_swap), 0 if the denominator is 0, per §4.D.
func SwapUtilizationPercent(mi procfs.Meminfo) int32 {
	usedSwap := mi.SwapTotalPages - mi.SwapFreePages
	if usedSwap < 0 {
		usedSwap = 0
	}
	denom := mi.ActiveAnonPages + mi.InactiveAnonPages + mi.ShmemPages + usedSwap
	if denom <= 0 {
		return 0
	}
	return int32(100 * usedSwap / denom)
}

// FreeSwapPages reports min(kernel free-swap, easily-available *
// swap-compression-ratio). Setting the ratio to 0 disables the
// available-memory cap and reports the kernel value directly, per §4.D.
func FreeSwapPages(mi procfs.Meminfo, compressionRatio int32) int64 {
	if compressionRatio == 0 {
		return mi.SwapFreePages
	}
	easilyAvailable := mi.FreePages + mi.ActiveFilePages + mi.InactiveFilePages + mi.ReclaimablePages
	capped := easilyAvailable * int64(compressionRatio)
	if mi.SwapFreePages < capped {
		return mi.SwapFreePages
	}
	return capped
}

// SwapLow reports whether free swap is at or below lowPercentage of total
// swap.
func SwapLow(mi procfs.Meminfo, lowPercentage int32) bool {
	if mi.SwapTotalPages <= 0 {
		return false
	}
	freePct := 100 * mi.SwapFreePages / mi.SwapTotalPages
	return freePct <= int64(lowPercentage)
}
