// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher marks an Indexer's snapshot stale when the tree changes.
//
// # Description
//
// Watches every non-excluded directory under the index root. Any
// create/write/remove/rename event flags the current snapshot as
// stale, so the pipeline re-indexes before assessing a change against
// on-disk content. Newly created directories are added to the watch
// set as they appear.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	indexer  *Indexer
	watcher  *fsnotify.Watcher
	callback func(path string)
}

// NewWatcher creates a staleness watcher for the indexer's root.
//
// # Inputs
//
//   - indexer: The indexer whose snapshot to invalidate.
//   - callback: Optional callback per change event (in addition to
//     marking the snapshot stale).
//
// # Outputs
//
//   - *Watcher: Ready-to-start watcher.
//   - error: Non-nil if the underlying watcher cannot be created.
func NewWatcher(indexer *Indexer, callback func(path string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		indexer:  indexer,
		watcher:  w,
		callback: callback,
	}, nil
}

// Start begins watching for tree changes.
//
// # Description
//
// Adds watches for the root and all non-excluded subdirectories, then
// blocks until the context is cancelled. Should be run in a goroutine:
//
//	watcher, _ := index.NewWatcher(ix, nil)
//	go watcher.Start(ctx)
func (w *Watcher) Start(ctx context.Context) {
	w.addTree(w.indexer.root)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.indexer.log.Warn("index watcher error", "error", err)
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories must join the watch set.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addTree(event.Name)
		}
	}

	w.indexer.MarkStale()
	w.indexer.log.Debug("tree changed, snapshot marked stale", "path", event.Name)
	if w.callback != nil {
		w.callback(event.Name)
	}
}

// addTree watches path and every non-excluded directory below it.
// Non-directories and unreadable entries are ignored.
func (w *Watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && w.indexer.exclude[d.Name()] {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.indexer.log.Debug("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}
