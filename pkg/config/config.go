package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFileName = "compaction.yaml"
	CurrentConfigVersion  = 1

	DefaultStrategy = "pairwise"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config not found")
	ErrUnknownOption  = errors.New("unknown compaction option")
)

// Per-table option keys accepted by ApplyOptions.
const (
	OptionEnabled                      = "enabled"
	OptionMinThreshold                 = "min_threshold"
	OptionMaxThreshold                 = "max_threshold"
	OptionTombstoneThreshold           = "tombstone_threshold"
	OptionTombstoneCompactionInterval  = "tombstone_compaction_interval"
	OptionUncheckedTombstoneCompaction = "unchecked_tombstone_compaction"
)

type Config struct {
	Version int `yaml:"version" json:"version"`

	// Strategy selection
	Strategy string `yaml:"strategy" json:"strategy"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`

	// Fan-in thresholds. Read by strategies, not enforced by the pairwise one.
	MinThreshold int `yaml:"min_threshold" json:"min_threshold"`
	MaxThreshold int `yaml:"max_threshold" json:"max_threshold"`

	// Tombstone reclamation
	TombstoneThreshold           float64       `yaml:"tombstone_threshold" json:"tombstone_threshold"`
	TombstoneCompactionInterval  time.Duration `yaml:"tombstone_compaction_interval" json:"tombstone_compaction_interval"`
	UncheckedTombstoneCompaction bool          `yaml:"unchecked_tombstone_compaction" json:"unchecked_tombstone_compaction"`
	GCGracePeriod                time.Duration `yaml:"gc_grace_period" json:"gc_grace_period"`

	// Background scheduling
	CompactionWorkers  int           `yaml:"compaction_workers" json:"compaction_workers"`
	CompactionInterval time.Duration `yaml:"compaction_interval" json:"compaction_interval"`

	// Logging
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,

		Strategy: DefaultStrategy,
		Enabled:  true,

		MinThreshold: 4,
		MaxThreshold: 32,

		TombstoneThreshold:          0.2,
		TombstoneCompactionInterval: 24 * time.Hour,
		GCGracePeriod:               10 * 24 * time.Hour,

		CompactionWorkers:  2,
		CompactionInterval: 30 * time.Second,

		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Strategy == "" {
		return fmt.Errorf("%w: strategy not specified", ErrInvalidConfig)
	}

	if c.MinThreshold < 2 {
		return fmt.Errorf("%w: min threshold must be at least 2", ErrInvalidConfig)
	}

	if c.MaxThreshold < c.MinThreshold {
		return fmt.Errorf("%w: max threshold %d is below min threshold %d", ErrInvalidConfig, c.MaxThreshold, c.MinThreshold)
	}

	if c.TombstoneThreshold < 0 {
		return fmt.Errorf("%w: tombstone threshold must be non-negative", ErrInvalidConfig)
	}

	if c.TombstoneCompactionInterval < 0 {
		return fmt.Errorf("%w: tombstone compaction interval must be non-negative", ErrInvalidConfig)
	}

	if c.GCGracePeriod < 0 {
		return fmt.Errorf("%w: gc grace period must be non-negative", ErrInvalidConfig)
	}

	if c.CompactionWorkers <= 0 {
		return fmt.Errorf("%w: compaction workers must be positive", ErrInvalidConfig)
	}

	if c.CompactionInterval <= 0 {
		return fmt.Errorf("%w: compaction interval must be positive", ErrInvalidConfig)
	}

	return nil
}

// ApplyOptions overlays per-table string options onto the configuration.
// Unknown keys and unparsable values are rejected and leave c unchanged.
func (c *Config) ApplyOptions(options map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cloneLocked()

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := strings.TrimSpace(options[key])
		var err error
		switch key {
		case OptionEnabled:
			next.Enabled, err = strconv.ParseBool(raw)
		case OptionMinThreshold:
			next.MinThreshold, err = strconv.Atoi(raw)
		case OptionMaxThreshold:
			next.MaxThreshold, err = strconv.Atoi(raw)
		case OptionTombstoneThreshold:
			next.TombstoneThreshold, err = strconv.ParseFloat(raw, 64)
		case OptionTombstoneCompactionInterval:
			var seconds int64
			seconds, err = strconv.ParseInt(raw, 10, 64)
			next.TombstoneCompactionInterval = time.Duration(seconds) * time.Second
		case OptionUncheckedTombstoneCompaction:
			next.UncheckedTombstoneCompaction, err = strconv.ParseBool(raw)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownOption, key)
		}
		if err != nil {
			return fmt.Errorf("%w: option %s=%q: %v", ErrInvalidConfig, key, raw, err)
		}
	}

	if err := next.validateLocked(); err != nil {
		return err
	}

	c.copyFromLocked(next)
	return nil
}

// LoadConfig reads a YAML configuration file, filling unset fields from the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as YAML, replacing path atomically.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Snapshot returns an unshared copy for readers that must not observe later updates.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloneLocked()
}

func (c *Config) cloneLocked() *Config {
	return &Config{
		Version:                      c.Version,
		Strategy:                     c.Strategy,
		Enabled:                      c.Enabled,
		MinThreshold:                 c.MinThreshold,
		MaxThreshold:                 c.MaxThreshold,
		TombstoneThreshold:           c.TombstoneThreshold,
		TombstoneCompactionInterval:  c.TombstoneCompactionInterval,
		UncheckedTombstoneCompaction: c.UncheckedTombstoneCompaction,
		GCGracePeriod:                c.GCGracePeriod,
		CompactionWorkers:            c.CompactionWorkers,
		CompactionInterval:           c.CompactionInterval,
		LogLevel:                     c.LogLevel,
		LogJSON:                      c.LogJSON,
	}
}

func (c *Config) copyFromLocked(o *Config) {
	c.Version = o.Version
	c.Strategy = o.Strategy
	c.Enabled = o.Enabled
	c.MinThreshold = o.MinThreshold
	c.MaxThreshold = o.MaxThreshold
	c.TombstoneThreshold = o.TombstoneThreshold
	c.TombstoneCompactionInterval = o.TombstoneCompactionInterval
	c.UncheckedTombstoneCompaction = o.UncheckedTombstoneCompaction
	c.GCGracePeriod = o.GCGracePeriod
	c.CompactionWorkers = o.CompactionWorkers
	c.CompactionInterval = o.CompactionInterval
	c.LogLevel = o.LogLevel
	c.LogJSON = o.LogJSON
}
