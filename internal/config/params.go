// Package config loads the coordination tuning parameters from a JSON file.
// Every field is a pointer so a partial config file only overrides what it
// names; the Get* accessors fall back to the shipped defaults for anything
// left nil, including a nil *Params.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Params is the root tuning configuration. The schema matches the
// /api/config endpoint so the same JSON shape works for startup
// configuration and for inspecting the effective values.
type Params struct {
	// Separation
	SafetyBufferM      *float64 `json:"safety_buffer_m,omitempty"`
	DeconflictResS     *float64 `json:"deconflict_resolution_s,omitempty"`
	ProjectionHorizonS *float64 `json:"projection_horizon_s,omitempty"`
	AltitudeFloorM     *float64 `json:"altitude_floor_m,omitempty"`
	MaxCruiseSpeedMps  *float64 `json:"max_cruise_speed_mps,omitempty"`

	// Telemetry
	TrajectoryRetentionS *int     `json:"trajectory_retention_s,omitempty"`
	StalenessS           *float64 `json:"staleness_s,omitempty"`

	// Broadcast / monitor cadence
	UpdateHz *float64 `json:"update_hz,omitempty"`

	// Alert deduplication
	DedupReminderS *float64 `json:"dedup_reminder_s,omitempty"`
	DedupClearS    *float64 `json:"dedup_clear_s,omitempty"`

	// Fleet
	MaxDrones             *int     `json:"max_drones,omitempty"`
	DriverCommandTimeoutS *float64 `json:"driver_command_timeout_s,omitempty"`
}

// Load reads a Params from a JSON file. The file must have a .json
// extension and stays under a 1 MiB cap; fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Params, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Params{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the set fields for values the core cannot run with.
func (c *Params) Validate() error {
	if c == nil {
		return nil
	}
	if c.SafetyBufferM != nil && *c.SafetyBufferM <= 0 {
		return fmt.Errorf("safety_buffer_m must be positive, got %f", *c.SafetyBufferM)
	}
	if c.DeconflictResS != nil && *c.DeconflictResS <= 0 {
		return fmt.Errorf("deconflict_resolution_s must be positive, got %f", *c.DeconflictResS)
	}
	if c.ProjectionHorizonS != nil && *c.ProjectionHorizonS < 0 {
		return fmt.Errorf("projection_horizon_s must not be negative, got %f", *c.ProjectionHorizonS)
	}
	if c.AltitudeFloorM != nil && *c.AltitudeFloorM < 0 {
		return fmt.Errorf("altitude_floor_m must not be negative, got %f", *c.AltitudeFloorM)
	}
	if c.MaxCruiseSpeedMps != nil && *c.MaxCruiseSpeedMps <= 0 {
		return fmt.Errorf("max_cruise_speed_mps must be positive, got %f", *c.MaxCruiseSpeedMps)
	}
	if c.TrajectoryRetentionS != nil && *c.TrajectoryRetentionS < 60 {
		return fmt.Errorf("trajectory_retention_s must be at least 60, got %d", *c.TrajectoryRetentionS)
	}
	if c.StalenessS != nil && *c.StalenessS <= 0 {
		return fmt.Errorf("staleness_s must be positive, got %f", *c.StalenessS)
	}
	if c.UpdateHz != nil && (*c.UpdateHz <= 0 || *c.UpdateHz > 50) {
		return fmt.Errorf("update_hz must be in (0, 50], got %f", *c.UpdateHz)
	}
	if c.DedupReminderS != nil && *c.DedupReminderS <= 0 {
		return fmt.Errorf("dedup_reminder_s must be positive, got %f", *c.DedupReminderS)
	}
	if c.DedupClearS != nil && *c.DedupClearS <= 0 {
		return fmt.Errorf("dedup_clear_s must be positive, got %f", *c.DedupClearS)
	}
	if c.MaxDrones != nil && *c.MaxDrones < 1 {
		return fmt.Errorf("max_drones must be at least 1, got %d", *c.MaxDrones)
	}
	if c.DriverCommandTimeoutS != nil && *c.DriverCommandTimeoutS <= 0 {
		return fmt.Errorf("driver_command_timeout_s must be positive, got %f", *c.DriverCommandTimeoutS)
	}
	return nil
}

// GetSafetyBufferM returns the minimum allowed 3-D separation in metres.
func (c *Params) GetSafetyBufferM() float64 {
	if c == nil || c.SafetyBufferM == nil {
		return 10.0
	}
	return *c.SafetyBufferM
}

// GetDeconflictResolution returns the trajectory sampling step.
func (c *Params) GetDeconflictResolution() time.Duration {
	if c == nil || c.DeconflictResS == nil {
		return 500 * time.Millisecond
	}
	return secondsToDuration(*c.DeconflictResS)
}

// GetProjectionHorizon returns how far live traffic is projected forward.
func (c *Params) GetProjectionHorizon() time.Duration {
	if c == nil || c.ProjectionHorizonS == nil {
		return 30 * time.Second
	}
	return secondsToDuration(*c.ProjectionHorizonS)
}

// GetAltitudeFloorM returns the advisory minimum waypoint altitude.
func (c *Params) GetAltitudeFloorM() float64 {
	if c == nil || c.AltitudeFloorM == nil {
		return 2.0
	}
	return *c.AltitudeFloorM
}

// GetMaxCruiseSpeedMps returns the maximum implied plan speed.
func (c *Params) GetMaxCruiseSpeedMps() float64 {
	if c == nil || c.MaxCruiseSpeedMps == nil {
		return 20.0
	}
	return *c.MaxCruiseSpeedMps
}

// GetTrajectoryRetention returns how long live samples are kept.
func (c *Params) GetTrajectoryRetention() time.Duration {
	if c == nil || c.TrajectoryRetentionS == nil {
		return time.Hour
	}
	return time.Duration(*c.TrajectoryRetentionS) * time.Second
}

// GetStaleness returns the live-sample staleness cutoff.
func (c *Params) GetStaleness() time.Duration {
	if c == nil || c.StalenessS == nil {
		return 2 * time.Second
	}
	return secondsToDuration(*c.StalenessS)
}

// GetUpdateHz returns the broadcaster/monitor tick rate.
func (c *Params) GetUpdateHz() float64 {
	if c == nil || c.UpdateHz == nil {
		return 2.0
	}
	return *c.UpdateHz
}

// GetTickInterval returns the broadcast/monitor tick period implied by
// update_hz.
func (c *Params) GetTickInterval() time.Duration {
	return secondsToDuration(1 / c.GetUpdateHz())
}

// GetDedupReminder returns the interval between repeat alerts for a
// persisting conflict.
func (c *Params) GetDedupReminder() time.Duration {
	if c == nil || c.DedupReminderS == nil {
		return 5 * time.Second
	}
	return secondsToDuration(*c.DedupReminderS)
}

// GetDedupClear returns how long a pair must stay separated before its
// conflict is considered cleared.
func (c *Params) GetDedupClear() time.Duration {
	if c == nil || c.DedupClearS == nil {
		return 3 * time.Second
	}
	return secondsToDuration(*c.DedupClearS)
}

// GetMaxDrones returns the fleet size cap.
func (c *Params) GetMaxDrones() int {
	if c == nil || c.MaxDrones == nil {
		return 10
	}
	return *c.MaxDrones
}

// GetDriverCommandTimeout returns the per-command driver watchdog.
func (c *Params) GetDriverCommandTimeout() time.Duration {
	if c == nil || c.DriverCommandTimeoutS == nil {
		return 15 * time.Second
	}
	return secondsToDuration(*c.DriverCommandTimeoutS)
}

// Effective returns the fully resolved configuration as a flat map, for the
// /api/config endpoint and startup logging.
func (c *Params) Effective() map[string]interface{} {
	return map[string]interface{}{
		"safety_buffer_m":          c.GetSafetyBufferM(),
		"deconflict_resolution_s":  c.GetDeconflictResolution().Seconds(),
		"projection_horizon_s":     c.GetProjectionHorizon().Seconds(),
		"altitude_floor_m":         c.GetAltitudeFloorM(),
		"max_cruise_speed_mps":     c.GetMaxCruiseSpeedMps(),
		"trajectory_retention_s":   int(c.GetTrajectoryRetention().Seconds()),
		"staleness_s":              c.GetStaleness().Seconds(),
		"update_hz":                c.GetUpdateHz(),
		"dedup_reminder_s":         c.GetDedupReminder().Seconds(),
		"dedup_clear_s":            c.GetDedupClear().Seconds(),
		"max_drones":               c.GetMaxDrones(),
		"driver_command_timeout_s": c.GetDriverCommandTimeout().Seconds(),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
