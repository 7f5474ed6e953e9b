package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Exclude []string `yaml:"exclude"`

	// FastPath enables the NTFS master file table reader for volume roots.
	FastPath bool `yaml:"fast_path"`
	// NTFSDevice names a raw device or image to read the MFT from. Only
	// needed outside Windows.
	NTFSDevice string `yaml:"ntfs_device"`

	FollowSymlinks    bool `yaml:"follow_symlinks"`
	FollowJunctions   bool `yaml:"follow_junctions"`
	FollowMountPoints bool `yaml:"follow_mount_points"`

	ShowFreeSpace    bool `yaml:"show_free_space"`
	ShowUnknownSpace bool `yaml:"show_unknown_space"`

	// Slice is the time budget of one scheduler step.
	Slice time.Duration `yaml:"slice"`

	PartialHashSize int64 `yaml:"partial_hash_size"`
	HashWorkers     int   `yaml:"hash_workers"`
	// HashCache is the sqlite file for persisted hashes; empty disables it.
	HashCache string `yaml:"hash_cache"`

	Top        int    `yaml:"top"`
	LogLevel   string `yaml:"log_level"`
	OutputFile string `yaml:"output_file"`
}

func DefaultConfig() *Config {
	return &Config{
		Exclude:          []string{},
		FastPath:         true,
		ShowFreeSpace:    true,
		ShowUnknownSpace: true,
		Slice:            50 * time.Millisecond,
		PartialHashSize:  1 << 20,
		HashWorkers:      4,
		Top:              20,
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Initialize Exclude slice if nil (for explicit empty lists)
	if cfg.Exclude == nil {
		cfg.Exclude = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Slice <= 0 {
		return fmt.Errorf("invalid config: slice must be positive, got %s", c.Slice)
	}
	if c.PartialHashSize <= 0 {
		return fmt.Errorf("invalid config: partial_hash_size must be positive, got %d", c.PartialHashSize)
	}
	if c.HashWorkers < 0 {
		return fmt.Errorf("invalid config: hash_workers must not be negative, got %d", c.HashWorkers)
	}
	if c.Top < 0 {
		return fmt.Errorf("invalid config: top must not be negative, got %d", c.Top)
	}
	return nil
}
