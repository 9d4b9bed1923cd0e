// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autopatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, `
root: `+root+`
retention_days: 14
workers: 4
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Defaults fill what the file omits.
	assert.Equal(t, filepath.Join(root, ".backups"), cfg.BackupDir)
	assert.Equal(t, filepath.Join(root, ".autopatch"), cfg.DataDir)
	assert.Equal(t, 1, cfg.Risk.SafeMax)
}

func TestLoadEnvOverrides(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, "root: "+root+"\nretention_days: 14\n")

	t.Setenv("AUTOPATCH_RETENTION_DAYS", "7")
	t.Setenv("AUTOPATCH_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetentionDays, "environment must override the file")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRequiresRoot(t *testing.T) {
	path := writeConfig(t, "retention_days: 3\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, "root: "+root+"\nlog:\n  level: loud\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, `
root: `+root+`
risk:
  safe_max: 5
  low_max: 3
  medium_max: 6
  high_max: 8
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds")
}

func TestLoadRelativeDirsResolveUnderRoot(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, "root: "+root+"\nbackup_dir: bk\ndata_dir: db\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bk"), cfg.BackupDir)
	assert.Equal(t, filepath.Join(root, "db"), cfg.DataDir)
}

func TestLoadWithoutFileUsesEnvRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AUTOPATCH_ROOT", root)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, 30, cfg.RetentionDays)
}
