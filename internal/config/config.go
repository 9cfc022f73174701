// Package config loads Guardian's single structured configuration file.
// The format is JSON-with-comments (hujson) so operators can annotate
// their config without a separate schema language; precedence is
// defaults, then file, then explicit CLI overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/cthede11/guardian/internal/guardianerr"
)

func unmarshalStrict(std []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Config holds every recognized option from the external-interfaces
// configuration table, one field per key.
type Config struct {
	HealthIntervalS               uint32  `json:"health_interval_s"`
	ProbeTimeoutS                 uint32  `json:"probe_timeout_s"`
	StartupTimeoutS               uint32  `json:"startup_timeout_s"`
	ShutdownTimeoutS              uint32  `json:"shutdown_timeout_s"`
	RestartBudgetCapacity         uint32  `json:"restart_budget_capacity"`
	RestartBudgetRefillPerWindowS uint32  `json:"restart_budget_refill_per_window_s"`
	SnapshotIntervalS             uint32  `json:"snapshot_interval_s"`
	SnapshotRetention             uint32  `json:"snapshot_retention"`
	SafetickWindowS               uint32  `json:"safetick_window_s"`
	SafetickThresholdEntity       uint32  `json:"safetick_threshold_entity"`
	SafetickThresholdBlockEntity  uint32  `json:"safetick_threshold_block_entity"`
	FreezeCapEntity               uint32  `json:"freeze_cap_entity"`
	FreezeCapBlockEntity          uint32  `json:"freeze_cap_block_entity"`
	ChunkMaxInflight              uint32  `json:"chunk_max_inflight"`
	ChunkInteractiveQueueMax      uint32  `json:"chunk_interactive_queue_max"`
	ChunkBackgroundQueueMax       uint32  `json:"chunk_background_queue_max"`
	GPUEnabled                    bool    `json:"gpu_enabled"`
	MinTPSHealthy                 float32 `json:"min_tps_healthy"`

	// Non-spec paths needed to wire up the rest of the daemon; defaulted
	// but overridable the same way as the spec's own keys.
	RuleFilePath    string `json:"rule_file_path"`
	FreezeDataDir   string `json:"freeze_data_dir"`
	SnapshotDir     string `json:"snapshot_dir"`
	WorldDir        string `json:"world_dir"`
	ChildCommand    string `json:"child_command"`
	GPUWorkerSocket string `json:"gpu_worker_socket"`
	ControlListen   string `json:"control_listen"`
}

// Default returns Config populated with every spec-mandated default.
func Default() Config {
	return Config{
		HealthIntervalS:               30,
		ProbeTimeoutS:                 5,
		StartupTimeoutS:               120,
		ShutdownTimeoutS:              60,
		RestartBudgetCapacity:         5,
		RestartBudgetRefillPerWindowS: 600,
		SnapshotIntervalS:             300,
		SnapshotRetention:             24,
		SafetickWindowS:               60,
		SafetickThresholdEntity:       3,
		SafetickThresholdBlockEntity:  3,
		FreezeCapEntity:               1000,
		FreezeCapBlockEntity:          500,
		ChunkMaxInflight:              64,
		ChunkInteractiveQueueMax:      256,
		ChunkBackgroundQueueMax:       4096,
		GPUEnabled:                    true,
		MinTPSHealthy:                 18.0,

		RuleFilePath:    "rules.guardian",
		FreezeDataDir:   "data/freeze",
		SnapshotDir:     "data/snapshots",
		WorldDir:        "data/world",
		GPUWorkerSocket: "data/gpu-worker.sock",
		ControlListen:   "127.0.0.1:7777",
	}
}

// Load reads path as HuJSON and merges it over Default. An empty path
// (or one that does not exist) yields the defaults unchanged — Guardian
// runs with a sane configuration out of the box.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, guardianerr.Wrap(guardianerr.KindConfigError, "config.Load", err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, guardianerr.Wrap(guardianerr.KindConfigError, "config.Load", fmt.Errorf("parse %s: %w", path, err))
	}

	fileCfg := cfg
	if err := unmarshalStrict(std, &fileCfg); err != nil {
		return Config{}, guardianerr.Wrap(guardianerr.KindConfigError, "config.Load", fmt.Errorf("decode %s: %w", path, err))
	}

	if err := fileCfg.Validate(); err != nil {
		return Config{}, guardianerr.Wrap(guardianerr.KindConfigError, "config.Load", err)
	}
	return fileCfg, nil
}

// Validate rejects configurations that would make a subsystem
// unschedulable or violate an invariant the spec states outright.
func (c Config) Validate() error {
	switch {
	case c.HealthIntervalS == 0:
		return fmt.Errorf("health_interval_s must be > 0")
	case c.ChunkMaxInflight == 0:
		return fmt.Errorf("chunk_max_inflight must be > 0")
	case c.SafetickWindowS == 0:
		return fmt.Errorf("safetick_window_s must be > 0")
	case c.RestartBudgetCapacity == 0:
		return fmt.Errorf("restart_budget_capacity must be > 0")
	}
	return nil
}

func (c Config) HealthInterval() time.Duration  { return time.Duration(c.HealthIntervalS) * time.Second }
func (c Config) ProbeTimeout() time.Duration    { return time.Duration(c.ProbeTimeoutS) * time.Second }
func (c Config) StartupTimeout() time.Duration  { return time.Duration(c.StartupTimeoutS) * time.Second }
func (c Config) ShutdownTimeout() time.Duration { return time.Duration(c.ShutdownTimeoutS) * time.Second }
func (c Config) RestartRefillWindow() time.Duration {
	return time.Duration(c.RestartBudgetRefillPerWindowS) * time.Second
}
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalS) * time.Second
}
func (c Config) SafetickWindow() time.Duration {
	return time.Duration(c.SafetickWindowS) * time.Second
}
