// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the pipeline configuration.
//
// Configuration comes from a YAML file, with a handful of environment
// overrides for deployment knobs. All loaded values pass struct
// validation before anything else sees them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/autopatch/services/pipeline/risk"
)

// MaxConfigFileSize caps config files at 1MB.
const MaxConfigFileSize = 1024 * 1024

// Config is the full pipeline configuration.
type Config struct {
	// Root is the managed source tree. Required, must exist.
	Root string `yaml:"root" validate:"required"`

	// BackupDir stores pre-write backups. Defaults under Root.
	BackupDir string `yaml:"backup_dir"`

	// DataDir holds the change registry database. Defaults under Root.
	DataDir string `yaml:"data_dir"`

	// ExcludeDirs are directory names skipped during indexing.
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// RetentionDays is the backup retention window for sweeps.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`

	// Workers bounds parallel file extraction during indexing.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`

	// Risk partitions the score range into categories.
	Risk risk.Thresholds `yaml:"risk"`

	// SafetyDisabled turns off the backup-before-write requirement.
	SafetyDisabled bool `yaml:"safety_disabled"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir is the log file directory. Empty disables file logging.
	Dir string `yaml:"dir"`
}

var validate = validator.New()

// Default returns the configuration used when no file is given. Root
// must still be set by the caller.
func Default() Config {
	return Config{
		RetentionDays: 30,
		Workers:       8,
		Risk:          risk.DefaultThresholds(),
		Log:           LogConfig{Level: "info"},
	}
}

// Load reads, overrides, validates, and normalizes a configuration.
//
// # Description
//
// Starts from Default, merges the YAML file at path (optional: empty
// path skips the file), then applies environment overrides:
// AUTOPATCH_ROOT, AUTOPATCH_BACKUP_DIR, AUTOPATCH_RETENTION_DAYS and
// AUTOPATCH_LOG_LEVEL. Relative BackupDir and DataDir resolve under
// Root.
//
// # Outputs
//
//   - Config: Ready to use; all paths absolute.
//   - error: Unreadable file, malformed YAML, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if info.Size() > MaxConfigFileSize {
			return Config{}, fmt.Errorf("config: %s exceeds %d bytes", path, MaxConfigFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validation: %w", err)
	}
	if err := cfg.Risk.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: risk thresholds: %w", err)
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOPATCH_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("AUTOPATCH_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("AUTOPATCH_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("AUTOPATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func normalize(cfg *Config) error {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("config: resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("config: root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: root %s is not a directory", root)
	}
	cfg.Root = root

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(root, ".backups")
	} else if !filepath.IsAbs(cfg.BackupDir) {
		cfg.BackupDir = filepath.Join(root, cfg.BackupDir)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(root, ".autopatch")
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(root, cfg.DataDir)
	}
	return nil
}
