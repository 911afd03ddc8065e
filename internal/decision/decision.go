// Package decision implements the kill-decision state machine of §4.F: it
// maps the evaluator's derived signals to a kill reason and a minimum
// OOM-adjustment floor, trying each precedence clause in table order and
// stopping at the first match.
package decision

import (
	"time"

	"github.com/lowmemkilld/lowmemkilld/internal/cgroup"
	"github.com/lowmemkilld/lowmemkilld/internal/config"
	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
)

// Reason names a kill-decision precedence clause.
type Reason string

const (
	ReasonVendor                     Reason = "vendor-derived"
	ReasonPressureAfterKill          Reason = "pressure-after-kill"
	ReasonNotResponding              Reason = "not-responding"
	ReasonLowSwapAndThrashing        Reason = "low-swap-and-thrashing"
	ReasonLowMemAndSwap              Reason = "low-mem-and-swap"
	ReasonLowMemAndSwapUtil          Reason = "low-mem-and-swap-util"
	ReasonLowMemAndThrashing         Reason = "low-mem-and-thrashing"
	ReasonDirectReclaimAndThrashing  Reason = "direct-reclaim-and-thrashing"
	ReasonDirectReclaimStuck         Reason = "direct-reclaim-stuck"
	ReasonLowFilecacheAfterThrashing Reason = "low-filecache-after-thrashing"
	ReasonLowMem                     Reason = "low-mem"
)

// Decision is the outcome of one evaluation: a reason and the minimum
// adjustment victim selection is allowed to consider.
type Decision struct {
	Reason Reason
	Floor  int32
}

// Inputs bundles every signal the table's clauses test, all derived by the
// caller (the reactor's decision step) from §4.D's evaluator plus the
// pressure sources of §4.E.
type Inputs struct {
	VendorEvent  bool
	VendorReason int32
	VendorMinAdj int32

	PostKill bool

	ReclaimState          evaluator.ReclaimState
	DirectReclaimDuration time.Duration

	SwapLow         bool
	SwapUtilPercent int32

	Thrashing    float64
	MaxThrashing float64

	Watermark evaluator.WatermarkStatus

	CriticalPSIEvent bool
	CriticalStall    bool

	FileCacheKB int64

	PressureEvent       bool
	RefaultDeltaChanged bool
}

// QualifiesForEvaluation implements §4.F step 5: without at least one of
// these four signals, the engine early-exits with no decision.
func (in Inputs) QualifiesForEvaluation() bool {
	return in.ReclaimState == evaluator.ReclaimDirect ||
		in.ReclaimState == evaluator.ReclaimKswapd ||
		in.PressureEvent ||
		in.RefaultDeltaChanged
}

// Engine holds the configuration and the small amount of state the table
// carries across evaluations: the decayed thrashing limit for reason #7
// (§4.F step 7: "for reason #7, multiply the thrashing limit by
// (100-decay-%)/100" on a successful kill) and, for the legacy strategy, the
// last memcg pressure level for hysteresis.
type Engine struct {
	cfg     *config.Config
	targets *evaluator.TargetTable

	decayedThrashingLimit float64
	lastLegacyLevel       int32
}

// New creates a decision engine bound to cfg and the shared target table.
func New(cfg *config.Config, targets *evaluator.TargetTable) *Engine {
	return &Engine{
		cfg:                   cfg,
		targets:                targets,
		decayedThrashingLimit: float64(cfg.ThrashingLimitPercent),
	}
}

func watermarkAtLeastLow(w evaluator.WatermarkStatus) bool {
	return w == evaluator.WatermarkLow || w == evaluator.WatermarkMin
}

func (e *Engine) perceptibleFloor(in Inputs) int32 {
	if in.Watermark == evaluator.WatermarkMin || in.Thrashing >= float64(e.cfg.CriticalThrashingLimit()) {
		return 0
	}
	return config.PerceptibleThreshold + 1
}

// Evaluate runs the §4.F precedence table against in, returning ok=false if
// step 5's early-exit condition applies.
func (e *Engine) Evaluate(in Inputs) (Decision, bool) {
	if !in.VendorEvent && !in.QualifiesForEvaluation() {
		return Decision{}, false
	}

	d, matched := e.match(in)
	if !matched {
		return Decision{}, false
	}
	if in.CriticalStall {
		d.Floor = 0
	}
	return d, true
}

func (e *Engine) match(in Inputs) (Decision, bool) {
	switch {
	case in.VendorEvent:
		return Decision{Reason: ReasonVendor, Floor: in.VendorMinAdj}, true

	case in.PostKill && in.Watermark == evaluator.WatermarkMin:
		return Decision{Reason: ReasonPressureAfterKill, Floor: e.cfg.PressureAfterKillMinScore}, true

	case in.CriticalPSIEvent && e.cfg.UseNewStrategy:
		return Decision{Reason: ReasonNotResponding, Floor: 0}, true

	case in.SwapLow && in.Thrashing > float64(e.cfg.ThrashingLimitPercent):
		return Decision{Reason: ReasonLowSwapAndThrashing, Floor: e.perceptibleFloor(in)}, true

	case in.SwapLow && watermarkAtLeastLow(in.Watermark):
		return Decision{Reason: ReasonLowMemAndSwap, Floor: e.perceptibleFloor(in)}, true

	case watermarkAtLeastLow(in.Watermark) && in.SwapUtilPercent > e.cfg.SwapUtilMaxPercent:
		return Decision{Reason: ReasonLowMemAndSwapUtil, Floor: 0}, true

	case watermarkAtLeastLow(in.Watermark) && in.Thrashing > e.decayedThrashingLimit:
		return Decision{Reason: ReasonLowMemAndThrashing, Floor: e.perceptibleFloor(in)}, true

	case in.ReclaimState == evaluator.ReclaimDirect && in.Thrashing > float64(e.cfg.ThrashingLimitPercent):
		return Decision{Reason: ReasonDirectReclaimAndThrashing, Floor: e.perceptibleFloor(in)}, true

	case in.ReclaimState == evaluator.ReclaimDirect &&
		e.cfg.DirectReclaimThresholdMs > 0 &&
		in.DirectReclaimDuration > time.Duration(e.cfg.DirectReclaimThresholdMs)*time.Millisecond:
		return Decision{Reason: ReasonDirectReclaimStuck, Floor: 0}, true

	case e.cfg.FilecacheMinKB > 0 && in.FileCacheKB < e.cfg.FilecacheMinKB && in.MaxThrashing > float64(e.cfg.ThrashingLimitPercent):
		return Decision{Reason: ReasonLowFilecacheAfterThrashing, Floor: config.PerceptibleThreshold + 1}, true

	case watermarkAtLeastLow(in.Watermark):
		return Decision{Reason: ReasonLowMem, Floor: e.cfg.LowmemMinOOMScore}, true

	default:
		return Decision{}, false
	}
}

// SetConfig swaps the engine's configuration, used by UPDATE_PROPS reinit
// (§7). The decayed thrashing limit is reset to the new base limit rather
// than carried across the config change.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfg = cfg
	e.decayedThrashingLimit = float64(cfg.ThrashingLimitPercent)
}

// OnKillSuccess applies reason #7's limit decay after a successful kill, per
// §4.F step 7.
func (e *Engine) OnKillSuccess(reason Reason) {
	if reason == ReasonLowMemAndThrashing {
		e.decayedThrashingLimit *= float64(100-e.cfg.ThrashingLimitDecayPercent) / 100
	}
}

// LegacyLevel is one of the three memcg pressure levels the legacy strategy
// cycles between.
type LegacyLevel int32

const (
	LegacyLevelNone LegacyLevel = iota
	LegacyLevelLow
	LegacyLevelMedium
	LegacyLevelCritical
)

// EvaluateLegacy implements §4.F's final paragraph: the legacy memcg-based
// decision, replacing steps 4-7 with usage-ratio level selection plus
// optional minfree-target matching. memTotalBytes is the system memory total
// from /proc/meminfo; freePages is the current global free
// page count, used only when use_minfree_levels is enabled.
func (e *Engine) EvaluateLegacy(usage cgroup.Usage, memTotalBytes int64, freePages int64) Decision {
	level := e.legacyLevel(usage, memTotalBytes)
	floor := e.legacyFloorForLevel(level)

	if e.cfg.UseMinfreeLevels {
		if f, ok := e.targets.FloorForFreePages(freePages); ok {
			floor = f
		}
	}
	return Decision{Reason: ReasonLowMem, Floor: floor}
}

func (e *Engine) legacyLevel(usage cgroup.Usage, memTotalBytes int64) LegacyLevel {
	if memTotalBytes <= 0 {
		return LegacyLevel(e.lastLegacyLevel)
	}
	swapInUsePercent := int32(100 * (usage.MemswUsageBytes - usage.UsageBytes) / uint64(memTotalBytes))

	level := LegacyLevel(e.lastLegacyLevel)
	switch {
	case swapInUsePercent >= e.cfg.UpgradePressurePercent:
		if level < LegacyLevelMedium {
			level = LegacyLevelMedium
		}
		if e.cfg.CriticalUpgrade && swapInUsePercent >= e.cfg.UpgradePressurePercent*2 {
			level = LegacyLevelCritical
		}
	case swapInUsePercent <= 100-e.cfg.DowngradePressurePct:
		if level > LegacyLevelLow {
			level--
		}
	}
	e.lastLegacyLevel = int32(level)
	return level
}

func (e *Engine) legacyFloorForLevel(level LegacyLevel) int32 {
	switch level {
	case LegacyLevelCritical:
		return e.cfg.CriticalLevelOOMAdj
	case LegacyLevelMedium:
		return e.cfg.MediumLevelOOMAdj
	default:
		return e.cfg.LowmemLevelOOMAdj
	}
}
