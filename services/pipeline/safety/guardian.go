// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety guarantees that no destructive write happens without
// a recoverable copy.
//
// # Description
//
// The Guardian enforces a strict backup → write → mark order on every
// change it applies. Backups are byte-exact, timestamped copies under
// a dedicated directory, flushed to stable storage before the original
// is touched. A failed write triggers an automatic restore before the
// error surfaces, so the target file is always left in exactly one of
// two states: fully new content or fully original content.
//
// The package also drives the sequential remote-publish workflow
// (branch → commit → push → review); see publish.go.
//
// # Thread Safety
//
// Guardian methods are safe for concurrent use on distinct paths.
// Serializing operations on the same path is the change manager's
// responsibility.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoBackupAvailable is returned when a rollback is requested
	// for a change without a stored backup.
	ErrNoBackupAvailable = errors.New("safety: no backup available")

	// ErrFileAccess wraps read/write failures on target files.
	ErrFileAccess = errors.New("safety: file access failed")

	// ErrRemote wraps version-control and remote-hosting failures.
	ErrRemote = errors.New("safety: remote operation failed")
)

// backupSuffix terminates every backup file name.
const backupSuffix = ".backup"

// Backup references one durable pre-write copy.
type Backup struct {
	// Ref is the backup file name under the backup directory. This is
	// the value stored on the change record.
	Ref string `json:"ref"`

	// Source is the base name of the file the backup preserves.
	Source string `json:"source"`

	// CreatedAt is when the backup was taken.
	CreatedAt time.Time `json:"created_at"`

	// Size is the backup's size in bytes.
	Size int64 `json:"size"`
}

// Config configures a Guardian.
type Config struct {
	// BackupDir is the dedicated backup directory. Required.
	BackupDir string

	// Disabled turns off the backup requirement. Writes then proceed
	// without a recoverable copy. Off by default for a reason.
	Disabled bool

	// Remote performs the publish workflow. May be nil when batch
	// publishing is not used.
	Remote RemoteClient

	// Logger for operational messages. Default: slog.Default().
	Logger *slog.Logger
}

// Guardian owns the backup directory and the write discipline.
type Guardian struct {
	backupDir string
	disabled  bool
	remote    RemoteClient
	log       *slog.Logger

	// writeFile performs the final content write. Overridable in
	// tests to inject write failures.
	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewGuardian creates a Guardian. Call Initialize before use.
func NewGuardian(cfg Config) (*Guardian, error) {
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("safety: backup directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{
		backupDir: cfg.BackupDir,
		disabled:  cfg.Disabled,
		remote:    cfg.Remote,
		log:       logger,
		writeFile: atomicWriteFile,
	}, nil
}

// Initialize acquires the backup directory, creating it if absent.
func (g *Guardian) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(g.backupDir, 0750); err != nil {
		return fmt.Errorf("%w: create backup dir %s: %v", ErrFileAccess, g.backupDir, err)
	}
	return nil
}

// CreateBackup writes a durable, timestamped copy of path's current
// content.
//
// # Description
//
// The copy is named {base}.{unixnano}.backup under the backup
// directory and is fsynced before this method returns: when
// CreateBackup succeeds, the copy survives a crash that interrupts
// the subsequent write of the original.
//
// # Outputs
//
//   - *Backup: Reference to the durable copy.
//   - error: ErrFileAccess when the source can't be read or the copy
//     can't be persisted.
func (g *Guardian) CreateBackup(ctx context.Context, path string) (*Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFileAccess, path, err)
	}

	now := time.Now()
	base := filepath.Base(path)
	ref := fmt.Sprintf("%s.%d%s", base, now.UnixNano(), backupSuffix)
	backupPath := filepath.Join(g.backupDir, ref)

	f, err := os.OpenFile(backupPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		return nil, fmt.Errorf("%w: create backup %s: %v", ErrFileAccess, backupPath, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(backupPath)
		return nil, fmt.Errorf("%w: write backup %s: %v", ErrFileAccess, backupPath, err)
	}
	// Durability before the original is touched is the contract here,
	// not an optimization.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(backupPath)
		return nil, fmt.Errorf("%w: sync backup %s: %v", ErrFileAccess, backupPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("%w: close backup %s: %v", ErrFileAccess, backupPath, err)
	}

	g.log.Debug("backup created", "source", path, "ref", ref)
	return &Backup{
		Ref:       ref,
		Source:    base,
		CreatedAt: now,
		Size:      int64(len(content)),
	}, nil
}

// Apply writes content to path under the backup-before-write
// discipline.
//
// # Description
//
// Strict order: backup → write. If the write fails after a successful
// backup, the original content is restored before the error surfaces.
// If the backup itself fails, the apply is aborted before any write.
// A missing target (create) has no pre-write content; the returned
// backup ref is then empty and undo means deleting the file.
//
// # Outputs
//
//   - string: Backup ref ("" for newly created files or when safety
//     is disabled).
//   - error: The write error; a joined error when the automatic
//     restore also failed, which requires manual intervention.
func (g *Guardian) Apply(ctx context.Context, path string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var backup *Backup
	if !g.disabled {
		if _, statErr := os.Stat(path); statErr == nil {
			b, err := g.CreateBackup(ctx, path)
			if err != nil {
				return "", fmt.Errorf("apply aborted before write: %w", err)
			}
			backup = b
		} else if !os.IsNotExist(statErr) {
			return "", fmt.Errorf("%w: stat %s: %v", ErrFileAccess, path, statErr)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return g.refOf(backup), fmt.Errorf("%w: create parent dir for %s: %v", ErrFileAccess, path, err)
	}

	if err := g.writeFile(path, content, 0640); err != nil {
		writeErr := fmt.Errorf("%w: write %s: %v", ErrFileAccess, path, err)
		if backup == nil {
			return "", writeErr
		}
		if restoreErr := g.restore(backup.Ref, path); restoreErr != nil {
			// Both the write and the restore failed. This is the one
			// genuinely fatal case; surface both loudly.
			g.log.Error("write failed and automatic restore failed",
				"path", path, "backup_ref", backup.Ref,
				"write_error", err.Error(), "restore_error", restoreErr.Error())
			return backup.Ref, errors.Join(writeErr, fmt.Errorf("automatic restore failed: %w", restoreErr))
		}
		g.log.Warn("write failed, original restored from backup",
			"path", path, "backup_ref", backup.Ref)
		return backup.Ref, writeErr
	}

	return g.refOf(backup), nil
}

// Remove deletes path under the same discipline: the backup must be
// durable before the file disappears.
func (g *Guardian) Remove(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var ref string
	if !g.disabled {
		b, err := g.CreateBackup(ctx, path)
		if err != nil {
			return "", fmt.Errorf("remove aborted: %w", err)
		}
		ref = b.Ref
	}

	if err := os.Remove(path); err != nil {
		return ref, fmt.Errorf("%w: remove %s: %v", ErrFileAccess, path, err)
	}
	return ref, nil
}

// Rollback restores path from the stored backup, byte-exact.
//
// # Outputs
//
//   - error: ErrNoBackupAvailable when ref is empty or the backup
//     file is gone; ErrFileAccess on restore failure.
func (g *Guardian) Rollback(ctx context.Context, ref, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref == "" {
		return ErrNoBackupAvailable
	}
	return g.restore(ref, path)
}

// restore copies backup bytes over path.
func (g *Guardian) restore(ref, path string) error {
	backupPath := filepath.Join(g.backupDir, ref)
	content, err := os.ReadFile(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: backup %s missing", ErrNoBackupAvailable, ref)
		}
		return fmt.Errorf("%w: read backup %s: %v", ErrFileAccess, backupPath, err)
	}
	if err := atomicWriteFile(path, content, 0640); err != nil {
		return fmt.Errorf("%w: restore %s: %v", ErrFileAccess, path, err)
	}
	g.log.Info("restored from backup", "path", path, "backup_ref", ref)
	return nil
}

// undo reverts one applied change: restore from backup when one
// exists, otherwise delete the file Apply created.
func (g *Guardian) undo(ref, path string) error {
	if ref != "" {
		return g.restore(ref, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove created file %s: %v", ErrFileAccess, path, err)
	}
	return nil
}

// ListBackups returns all backups in the backup directory, newest
// first.
func (g *Guardian) ListBackups(ctx context.Context) ([]Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(g.backupDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read backup dir %s: %v", ErrFileAccess, g.backupDir, err)
	}

	var out []Backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			g.log.Warn("skipping unreadable backup", "ref", entry.Name(), "error", err)
			continue
		}
		out = append(out, parseBackup(entry.Name(), info.ModTime(), info.Size()))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CleanOldBackups deletes backups older than daysToKeep.
//
// # Description
//
// Returns the number deleted. Per-file deletion failures are logged
// and skipped; the sweep itself only fails when the backup directory
// can't be read.
func (g *Guardian) CleanOldBackups(ctx context.Context, daysToKeep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if daysToKeep < 0 {
		return 0, fmt.Errorf("safety: daysToKeep must be non-negative, got %d", daysToKeep)
	}

	backups, err := g.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	deleted := 0
	for _, b := range backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.backupDir, b.Ref)); err != nil {
			g.log.Warn("failed to delete old backup", "ref", b.Ref, "error", err)
			continue
		}
		deleted++
	}
	g.log.Info("backup sweep complete", "deleted", deleted, "days_kept", daysToKeep)
	return deleted, nil
}

func (g *Guardian) refOf(b *Backup) string {
	if b == nil {
		return ""
	}
	return b.Ref
}

// parseBackup reconstructs a Backup from its file name. The embedded
// nanosecond timestamp is authoritative; the file's mtime is the
// fallback for names that don't parse.
func parseBackup(name string, modTime time.Time, size int64) Backup {
	b := Backup{Ref: name, CreatedAt: modTime, Size: size}
	trimmed := strings.TrimSuffix(name, backupSuffix)
	if idx := strings.LastIndex(trimmed, "."); idx > 0 {
		if nanos, err := strconv.ParseInt(trimmed[idx+1:], 10, 64); err == nil {
			b.Source = trimmed[:idx]
			b.CreatedAt = time.Unix(0, nanos)
			return b
		}
	}
	b.Source = trimmed
	return b
}

// atomicWriteFile writes data to a temp file in the target's
// directory, syncs it, and renames it into place.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
