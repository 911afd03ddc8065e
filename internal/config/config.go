// Package config loads the daemon's property-store-backed configuration
// (§6's configuration table) via viper, both at startup and on demand from
// the UPDATE_PROPS control command.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// Config is the fully decoded, typed configuration snapshot. Property keys
// map 1:1 to the table in §6 of the specification.
type Config struct {
	Debug bool `mapstructure:"debug"`

	// Legacy memcg strategy thresholds (§6: low/medium/critical).
	LowmemLevelOOMAdj      int32 `mapstructure:"low"`
	MediumLevelOOMAdj      int32 `mapstructure:"medium"`
	CriticalLevelOOMAdj    int32 `mapstructure:"critical"`
	CriticalUpgrade        bool  `mapstructure:"critical_upgrade"`
	UpgradePressurePercent int32 `mapstructure:"upgrade_pressure"`
	DowngradePressurePct   int32 `mapstructure:"downgrade_pressure"`

	KillHeaviestTask          bool  `mapstructure:"kill_heaviest_task"`
	KillTimeoutMs             int32 `mapstructure:"kill_timeout_ms"`
	PressureAfterKillMinScore int32 `mapstructure:"pressure_after_kill_min_score"`

	UseMinfreeLevels      bool  `mapstructure:"use_minfree_levels"`
	SwapFreeLowPercentage int32 `mapstructure:"swap_free_low_percentage"`

	PSIPartialStallMs  int32 `mapstructure:"psi_partial_stall_ms"`
	PSICompleteStallMs int32 `mapstructure:"psi_complete_stall_ms"`

	ThrashingLimitPercent         int32 `mapstructure:"thrashing_limit"`
	ThrashingLimitDecayPercent    int32 `mapstructure:"thrashing_limit_decay"`
	ThrashingLimitCriticalPercent int32 `mapstructure:"thrashing_limit_critical"`

	SwapUtilMaxPercent int32 `mapstructure:"swap_util_max"`
	FilecacheMinKB     int64 `mapstructure:"filecache_min_kb"`

	StallLimitCritical        int32 `mapstructure:"stall_limit_critical"`
	DirectReclaimThresholdMs  int32 `mapstructure:"direct_reclaim_threshold_ms"`
	SwapCompressionRatio      int32 `mapstructure:"swap_compression_ratio"`
	LowmemMinOOMScore         int32 `mapstructure:"lowmem_min_oom_score"`

	DelayMonitorsUntilBoot bool `mapstructure:"delay_monitors_until_boot"`
	UsePSI                 bool `mapstructure:"use_psi"`
	UseNewStrategy         bool `mapstructure:"use_new_strategy"`

	LowRAMDevice bool `mapstructure:"low_ram_device"`

	// MetricsListenAddr, if non-empty, exposes the prometheus registry
	// built in internal/metrics over HTTP (§11.5: "never on by default").
	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`
}

// PerceptibleThreshold is the fixed OOM-adjustment value above which
// processes are "perceptible" per the GLOSSARY.
const PerceptibleThreshold = 200

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("low", OOMMax+1)
	v.SetDefault("medium", 800)
	v.SetDefault("critical", 0)
	v.SetDefault("critical_upgrade", false)
	v.SetDefault("upgrade_pressure", 100)
	v.SetDefault("downgrade_pressure", 100)
	v.SetDefault("kill_heaviest_task", false)
	v.SetDefault("kill_timeout_ms", 100)
	v.SetDefault("pressure_after_kill_min_score", 0)
	v.SetDefault("use_minfree_levels", false)
	v.SetDefault("swap_free_low_percentage", 10)
	v.SetDefault("psi_partial_stall_ms", 70)
	v.SetDefault("psi_complete_stall_ms", 700)
	v.SetDefault("thrashing_limit", 100)
	v.SetDefault("thrashing_limit_decay", 10)
	v.SetDefault("thrashing_limit_critical", 0)
	v.SetDefault("swap_util_max", 100)
	v.SetDefault("filecache_min_kb", 0)
	v.SetDefault("stall_limit_critical", 100)
	v.SetDefault("direct_reclaim_threshold_ms", 0)
	v.SetDefault("swap_compression_ratio", 1)
	v.SetDefault("lowmem_min_oom_score", PerceptibleThreshold+1)
	v.SetDefault("delay_monitors_until_boot", false)
	v.SetDefault("use_psi", true)
	v.SetDefault("use_new_strategy", true)
	v.SetDefault("low_ram_device", false)
	v.SetDefault("metrics_listen_addr", "")
}

// OOMMax mirrors registry.OOMMax without importing the registry package,
// to keep config dependency-free of the runtime data structures it merely
// describes.
const OOMMax = 1000

// Load reads the property file at path (if it exists — a missing file is
// not an error, only missing property overrides) and returns a validated
// Config. A lowram variant of the PSI partial-stall default (§6) is applied
// when low_ram_device is set, since that default depends on another key.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("properties")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.As(err, &viper.ConfigFileNotFoundError{}) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	if cfg.LowRAMDevice && !v.IsSet("psi_partial_stall_ms") {
		cfg.PSIPartialStallMs = 200
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that parsed successfully but cannot be
// realized, the "configuration rejection" case of §7: the daemon should
// exit nonzero to be restarted rather than run with nonsensical values.
func (c *Config) Validate() error {
	var errs []error
	if c.LowmemLevelOOMAdj < -1 || c.LowmemLevelOOMAdj > OOMMax+1 {
		errs = append(errs, fmt.Errorf("low=%d out of range", c.LowmemLevelOOMAdj))
	}
	if c.KillTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("kill_timeout_ms=%d must be >= 0", c.KillTimeoutMs))
	}
	if c.SwapFreeLowPercentage < 0 || c.SwapFreeLowPercentage > 100 {
		errs = append(errs, fmt.Errorf("swap_free_low_percentage=%d must be in [0,100]", c.SwapFreeLowPercentage))
	}
	if c.SwapUtilMaxPercent < 0 || c.SwapUtilMaxPercent > 100 {
		errs = append(errs, fmt.Errorf("swap_util_max=%d must be in [0,100]", c.SwapUtilMaxPercent))
	}
	if c.ThrashingLimitPercent < 0 {
		errs = append(errs, fmt.Errorf("thrashing_limit=%d must be >= 0", c.ThrashingLimitPercent))
	}
	if c.SwapCompressionRatio < 0 {
		errs = append(errs, fmt.Errorf("swap_compression_ratio=%d must be >= 0", c.SwapCompressionRatio))
	}
	return errors.Join(errs...)
}

// CriticalThrashingLimit returns the "critical" thrashing threshold, which
// defaults to 3x the base limit per §4.D when not overridden explicitly.
func (c *Config) CriticalThrashingLimit() int32 {
	if c.ThrashingLimitCriticalPercent > 0 {
		return c.ThrashingLimitCriticalPercent
	}
	return c.ThrashingLimitPercent * 3
}
