// Package config loads the engine tuning file (engine.yaml). Every field has
// a default, so a missing or partial file still yields a runnable engine.
package config

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the streaming and maintenance tuning for one engine instance.
type Config struct {
	// ViewDistance is the chunk radius kept loaded around the viewer.
	ViewDistance int `yaml:"view_distance"`
	// UnloadHysteresis widens the unload boundary past the view radius so
	// chunks do not thrash at the edge.
	UnloadHysteresis int `yaml:"unload_hysteresis"`
	// LoadsPerTick caps how many chunk loads/generations one tick may start.
	LoadsPerTick int `yaml:"loads_per_tick"`
	// LoadsPerSecond additionally smooths load starts across ticks.
	// <=0 disables the limiter.
	LoadsPerSecond float64 `yaml:"loads_per_second"`

	// Synchronous generates missing chunks inline instead of on the worker.
	Synchronous bool `yaml:"synchronous"`
	// GenQueueSize is the generation job channel capacity.
	GenQueueSize int `yaml:"gen_queue_size"`

	AutosaveSeconds            int `yaml:"autosave_seconds"`
	BackupRetention            int `yaml:"backup_retention"`
	BackupQueueCooldownSeconds int `yaml:"backup_queue_cooldown_seconds"`
	// MaintenancePerTick caps compaction jobs serviced per tick.
	MaintenancePerTick int `yaml:"maintenance_per_tick"`

	// ZstdThresholdBytes is the encoded payload size above which saved chunks
	// get a zstd wrap. -1 disables the second compression stage.
	ZstdThresholdBytes int `yaml:"zstd_threshold_bytes"`

	// IndexEnabled turns on the sqlite maintenance index.
	IndexEnabled bool `yaml:"index_enabled"`
	// EventLogEnabled turns on the compressed JSONL maintenance event log.
	EventLogEnabled bool `yaml:"event_log_enabled"`
}

// Defaults returns the tuning used when no engine.yaml is present.
func Defaults() Config {
	return Config{
		ViewDistance:               8,
		UnloadHysteresis:           2,
		LoadsPerTick:               8,
		LoadsPerSecond:             0,
		GenQueueSize:               64,
		AutosaveSeconds:            300,
		BackupRetention:            5,
		BackupQueueCooldownSeconds: 60,
		MaintenancePerTick:         1,
		ZstdThresholdBytes:         8 * 1024,
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("engine.yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("engine.yaml: %w", err)
	}
	return c, nil
}

// Validate rejects tunings that cannot drive a tick loop.
func (c Config) Validate() error {
	if c.ViewDistance < 1 {
		return fmt.Errorf("view_distance must be >= 1, got %d", c.ViewDistance)
	}
	if c.UnloadHysteresis < 0 {
		return fmt.Errorf("unload_hysteresis must be >= 0, got %d", c.UnloadHysteresis)
	}
	if c.LoadsPerTick < 1 {
		return fmt.Errorf("loads_per_tick must be >= 1, got %d", c.LoadsPerTick)
	}
	if c.GenQueueSize < 1 {
		return fmt.Errorf("gen_queue_size must be >= 1, got %d", c.GenQueueSize)
	}
	if c.MaintenancePerTick < 0 {
		return fmt.Errorf("maintenance_per_tick must be >= 0, got %d", c.MaintenancePerTick)
	}
	return nil
}

// LoadLimiter builds the rate limiter for chunk load starts, or nil when
// smoothing is disabled.
func (c Config) LoadLimiter() *rate.Limiter {
	if c.LoadsPerSecond <= 0 {
		return nil
	}
	burst := c.LoadsPerTick
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.LoadsPerSecond), burst)
}
