// Package config holds the daemon's configuration surface (spec §6) as a
// single value constructed once at startup, per the no-global-mutable-state
// design note in spec §9. Loading it from a file is out of scope (spec §1);
// this package only defines the shape and its defaults.
package config

import "time"

// Config is the enumerated configuration surface from spec §6.
type Config struct {
	MaxPendingUpdates  int    `json:"max_pending_updates"`
	MaxSnapshotAgeDays int    `json:"max_snapshot_age_days"`
	EnvPath            string `json:"env_path"`
	CachePath          string `json:"cache_path"`

	MaxConcurrentOps int `json:"max_concurrent_ops"`
	OpsPerMinute     int `json:"ops_per_minute"`
	MaxQueueSize     int `json:"max_queue_size"`

	OperationTimeouts map[string]time.Duration `json:"operation_timeouts"`
	PriorityOverrides map[string]string        `json:"priority_overrides"`

	CacheTTL time.Duration `json:"cache_ttl_seconds"`

	MaxEnvSize   int64 `json:"max_env_size"`
	MaxCacheSize int64 `json:"max_cache_size"`
	MaxFileSize  int64 `json:"max_file_size"`
	MaxFileCount int64 `json:"max_file_count"`

	AllowPrereleases bool `json:"allow_prereleases"`
	RequireHashes    bool `json:"require_hashes"`

	FSPolicy FSPolicyConfig `json:"fs_policy"`

	MonitorInterval time.Duration `json:"monitor_interval"`
}

// FSPolicyConfig is the Filesystem Policy (C9) configuration surface.
type FSPolicyConfig struct {
	AllowedPaths  []string `json:"allowed_paths"`
	DeniedPaths   []string `json:"denied_paths"`
	ReadonlyPaths []string `json:"readonly_paths"`
	// MaxFileSize rejects a single write exceeding this many bytes with a
	// security violation (spec §4.9). Zero disables the check.
	MaxFileSize int64 `json:"max_file_size"`
}

// Default returns the configuration with every documented default from
// spec §6 applied; EnvPath/CachePath are left empty for the caller to set.
func Default() Config {
	return Config{
		MaxPendingUpdates:  100,
		MaxSnapshotAgeDays: 30,
		MaxConcurrentOps:   3,
		OpsPerMinute:       30,
		MaxQueueSize:       1000,
		OperationTimeouts: map[string]time.Duration{
			"install":            5 * time.Minute,
			"uninstall":          2 * time.Minute,
			"update":             5 * time.Minute,
			"sync":               10 * time.Minute,
			"add_environment":    time.Minute,
			"remove_environment": time.Minute,
		},
		CacheTTL:         24 * time.Hour,
		AllowPrereleases: false,
		RequireHashes:    true,
		MonitorInterval:  5 * time.Second,
	}
}
