// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index builds heuristic structural summaries of a source tree.
//
// # Description
//
// The indexer walks a project root, skipping dependency caches, build
// output, version-control metadata and the pipeline's own backup area,
// and produces an immutable Snapshot mapping file paths to their
// FileSummary. Snapshots are superseded wholesale by the next Index
// run, never merged.
//
// Extraction is intentionally heuristic (see Extractor); the snapshot
// is used to scope proposed changes, not to reason about semantics.
//
// # Thread Safety
//
// Indexer is safe for concurrent use. Snapshot is immutable after
// construction and may be shared freely.
package index

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultExcludeDirs are directory names skipped during every walk.
var DefaultExcludeDirs = []string{
	".git", "node_modules", "vendor", "dist", "build",
	"__pycache__", ".next", ".backups",
}

// DefaultMaxFileSize is the per-file size cap for extraction.
const DefaultMaxFileSize = 1 << 20 // 1 MiB

// Config configures an Indexer.
type Config struct {
	// Root is the directory to index. Required.
	Root string

	// ExcludeDirs are directory names to skip.
	// Default: DefaultExcludeDirs.
	ExcludeDirs []string

	// MaxFileSize skips files larger than this many bytes.
	// Default: DefaultMaxFileSize.
	MaxFileSize int64

	// Workers bounds parallel file extraction.
	// Default: 8.
	Workers int

	// Extractor produces per-file summaries.
	// Default: NewHeuristicExtractor().
	Extractor Extractor

	// Logger for per-file warnings. Default: slog.Default().
	Logger *slog.Logger
}

// Indexer walks a source tree and produces Snapshots.
type Indexer struct {
	root      string
	exclude   map[string]bool
	maxSize   int64
	workers   int
	extractor Extractor
	log       *slog.Logger

	mu    sync.RWMutex
	snap  *Snapshot
	stale atomic.Bool
}

// New creates an Indexer for the given configuration.
//
// # Outputs
//
//   - *Indexer: Ready to index. No snapshot exists until Index is called.
//   - error: Non-nil if Root is empty or not a directory.
func New(cfg Config) (*Indexer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("index: root is required")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("index: stat root %s: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("index: root %s is not a directory", cfg.Root)
	}

	exclude := cfg.ExcludeDirs
	if exclude == nil {
		exclude = DefaultExcludeDirs
	}
	excludeSet := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		excludeSet[d] = true
	}

	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = NewHeuristicExtractor()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Indexer{
		root:      cfg.Root,
		exclude:   excludeSet,
		maxSize:   maxSize,
		workers:   workers,
		extractor: extractor,
		log:       logger,
	}, nil
}

// Index walks the root and builds a fresh Snapshot.
//
// # Description
//
// Files with recognized extensions are summarized in parallel
// (bounded by Workers). Unreadable or oversized files are logged
// at Warn and skipped; a single bad file never aborts the run.
// The new snapshot replaces the previous one wholesale.
//
// # Inputs
//
//   - ctx: Cancels the walk and any in-flight extraction.
//
// # Outputs
//
//   - *Snapshot: The new snapshot.
//   - error: Non-nil only on context cancellation or when the root
//     itself cannot be walked.
func (ix *Indexer) Index(ctx context.Context) (*Snapshot, error) {
	var paths []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entire subtree unreadable: warn and move on.
			ix.log.Warn("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != ix.root && ix.exclude[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if LanguageForExt(path) == "" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: walk %s: %w", ix.root, err)
	}

	files := make(map[string]FileSummary, len(paths))
	var filesMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for _, path := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			info, err := os.Stat(path)
			if err != nil {
				ix.log.Warn("skipping unreadable file", "path", path, "error", err)
				return nil
			}
			if info.Size() > ix.maxSize {
				ix.log.Warn("skipping oversized file", "path", path, "size", info.Size())
				return nil
			}
			src, err := os.ReadFile(path)
			if err != nil {
				ix.log.Warn("skipping unreadable file", "path", path, "error", err)
				return nil
			}
			rel, err := filepath.Rel(ix.root, path)
			if err != nil {
				rel = path
			}
			summary := ix.extractor.Extract(rel, src)
			filesMu.Lock()
			files[rel] = summary
			filesMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}

	snap := &Snapshot{files: files, takenAt: time.Now()}

	ix.mu.Lock()
	ix.snap = snap
	ix.mu.Unlock()
	ix.stale.Store(false)

	ix.log.Debug("index complete", "root", ix.root, "files", len(files))
	return snap, nil
}

// Snapshot returns the most recent snapshot, or nil when Index has
// never completed.
func (ix *Indexer) Snapshot() *Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snap
}

// Stale reports whether the tree has changed since the last Index run
// (set by the Watcher). Callers assessing changes against on-disk
// content should re-index when this is true.
func (ix *Indexer) Stale() bool {
	return ix.stale.Load()
}

// MarkStale flags the current snapshot as out of date.
func (ix *Indexer) MarkStale() {
	ix.stale.Store(true)
}

// Snapshot is an immutable view of one index run.
type Snapshot struct {
	files   map[string]FileSummary
	takenAt time.Time
}

// File returns the stored summary for a path.
func (s *Snapshot) File(path string) (FileSummary, bool) {
	sum, ok := s.files[path]
	return sum, ok
}

// Len returns the number of indexed files.
func (s *Snapshot) Len() int {
	return len(s.files)
}

// TakenAt returns when the snapshot was built.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Paths returns all indexed paths in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Search returns a lazy sequence of summaries whose path matches the
// regular expression, in sorted path order.
//
// # Outputs
//
//   - iter.Seq[FileSummary]: Finite sequence over the snapshot.
//   - error: Non-nil if the pattern does not compile.
func (s *Snapshot) Search(pattern string) (iter.Seq[FileSummary], error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("index: bad search pattern %q: %w", pattern, err)
	}
	paths := s.Paths()
	return func(yield func(FileSummary) bool) {
		for _, p := range paths {
			if !re.MatchString(p) {
				continue
			}
			if !yield(s.files[p]) {
				return
			}
		}
	}, nil
}
