package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Version != CurrentConfigVersion {
		t.Errorf("expected version %d, got %d", CurrentConfigVersion, cfg.Version)
	}

	if cfg.Strategy != DefaultStrategy {
		t.Errorf("expected strategy %s, got %s", DefaultStrategy, cfg.Strategy)
	}

	if !cfg.Enabled {
		t.Error("expected strategy to be enabled by default")
	}

	if cfg.TombstoneThreshold != 0.2 {
		t.Errorf("expected tombstone threshold 0.2, got %f", cfg.TombstoneThreshold)
	}

	if cfg.TombstoneCompactionInterval != 24*time.Hour {
		t.Errorf("expected tombstone interval 24h, got %s", cfg.TombstoneCompactionInterval)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid default config, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name:     "invalid version",
			mutate:   func(c *Config) { c.Version = 0 },
			expected: "invalid configuration: invalid version 0",
		},
		{
			name:     "empty strategy",
			mutate:   func(c *Config) { c.Strategy = "" },
			expected: "invalid configuration: strategy not specified",
		},
		{
			name:     "min threshold too small",
			mutate:   func(c *Config) { c.MinThreshold = 1 },
			expected: "invalid configuration: min threshold must be at least 2",
		},
		{
			name: "max below min",
			mutate: func(c *Config) {
				c.MinThreshold = 8
				c.MaxThreshold = 4
			},
			expected: "invalid configuration: max threshold 4 is below min threshold 8",
		},
		{
			name:     "negative tombstone threshold",
			mutate:   func(c *Config) { c.TombstoneThreshold = -0.1 },
			expected: "invalid configuration: tombstone threshold must be non-negative",
		},
		{
			name:     "zero workers",
			mutate:   func(c *Config) { c.CompactionWorkers = 0 },
			expected: "invalid configuration: compaction workers must be positive",
		},
		{
			name:     "zero interval",
			mutate:   func(c *Config) { c.CompactionInterval = 0 },
			expected: "invalid configuration: compaction interval must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if err.Error() != tc.expected {
				t.Errorf("expected error %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestApplyOptions(t *testing.T) {
	cfg := NewDefaultConfig()

	err := cfg.ApplyOptions(map[string]string{
		OptionEnabled:                      "false",
		OptionMinThreshold:                 "2",
		OptionMaxThreshold:                 "16",
		OptionTombstoneThreshold:           "0.5",
		OptionTombstoneCompactionInterval:  "3600",
		OptionUncheckedTombstoneCompaction: "true",
	})
	if err != nil {
		t.Fatalf("failed to apply options: %v", err)
	}

	if cfg.Enabled {
		t.Error("expected strategy to be disabled")
	}
	if cfg.MinThreshold != 2 || cfg.MaxThreshold != 16 {
		t.Errorf("unexpected thresholds %d/%d", cfg.MinThreshold, cfg.MaxThreshold)
	}
	if cfg.TombstoneThreshold != 0.5 {
		t.Errorf("expected tombstone threshold 0.5, got %f", cfg.TombstoneThreshold)
	}
	if cfg.TombstoneCompactionInterval != time.Hour {
		t.Errorf("expected interval 1h, got %s", cfg.TombstoneCompactionInterval)
	}
	if !cfg.UncheckedTombstoneCompaction {
		t.Error("expected unchecked tombstone compaction")
	}
}

func TestApplyOptionsRejectsBadInput(t *testing.T) {
	cfg := NewDefaultConfig()

	if err := cfg.ApplyOptions(map[string]string{"bucket_high": "1.5"}); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("expected ErrUnknownOption, got %v", err)
	}

	if err := cfg.ApplyOptions(map[string]string{OptionTombstoneThreshold: "lots"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	// A value that parses but fails validation must not leak into the config.
	if err := cfg.ApplyOptions(map[string]string{OptionMinThreshold: "64"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if cfg.MinThreshold != 4 {
		t.Errorf("expected min threshold to stay 4, got %d", cfg.MinThreshold)
	}
}

func TestConfigSaveLoad(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, DefaultConfigFileName)

	cfg := NewDefaultConfig()
	cfg.Update(func(c *Config) {
		c.TombstoneThreshold = 0.35
		c.CompactionWorkers = 4
		c.GCGracePeriod = 2 * time.Hour
	})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.TombstoneThreshold != 0.35 {
		t.Errorf("expected tombstone threshold 0.35, got %f", loaded.TombstoneThreshold)
	}
	if loaded.CompactionWorkers != 4 {
		t.Errorf("expected 4 workers, got %d", loaded.CompactionWorkers)
	}
	if loaded.GCGracePeriod != 2*time.Hour {
		t.Errorf("expected gc grace 2h, got %s", loaded.GCGracePeriod)
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, DefaultConfigFileName)

	data := []byte("version: 1\nstrategy: pairwise\ncompaction_interval: 5s\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.CompactionInterval != 5*time.Second {
		t.Errorf("expected interval 5s, got %s", cfg.CompactionInterval)
	}
	if cfg.MinThreshold != 4 {
		t.Errorf("expected default min threshold, got %d", cfg.MinThreshold)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}
