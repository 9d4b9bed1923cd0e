// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autopatch/services/pipeline/index"
)

func buildSnapshot(t *testing.T, files map[string]string) (string, *index.Snapshot) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	}
	ix, err := index.New(index.Config{Root: root})
	require.NoError(t, err)
	snap, err := ix.Index(context.Background())
	require.NoError(t, err)
	return root, snap
}

// TestUnusedImportGo verifies detection of a Go import with zero
// references.
func TestUnusedImportGo(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"a.go": `package a

import (
	"fmt"
	"strings"
)

func A() string {
	return strings.ToUpper("a")
}
`,
	})

	s := NewScanner(root, snap, nil)
	opp, ok := s.UnusedImports("a.go")
	require.True(t, ok)
	assert.Equal(t, TypeUnusedImport, opp.Type)
	assert.Contains(t, opp.Description, `"fmt"`)
	assert.Equal(t, 4, opp.Line)
	assert.True(t, opp.AutoApply, "clean parse, zero references: provably removable")
	assert.Equal(t, `package a

import (
	"strings"
)

func A() string {
	return strings.ToUpper("a")
}
`, opp.Fix, "auto-applicable opportunity must carry the corrected content")
}

// TestUsedImportsProduceNothing verifies no opportunity when every
// import is referenced.
func TestUsedImportsProduceNothing(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"b.go": `package b

import "fmt"

func B() {
	fmt.Println("b")
}
`,
	})

	s := NewScanner(root, snap, nil)
	_, ok := s.UnusedImports("b.go")
	assert.False(t, ok)
}

// TestSideEffectImportNeverUnused verifies `_` and bare side-effect
// imports are skipped.
func TestSideEffectImportNeverUnused(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"c.go": `package c

import (
	_ "embed"
)

func C() {}
`,
		"poly.ts": `import './polyfill';

export function ready() { return true; }
`,
	})

	s := NewScanner(root, snap, nil)
	_, ok := s.UnusedImports("c.go")
	assert.False(t, ok)
	_, ok = s.UnusedImports("poly.ts")
	assert.False(t, ok)
}

// TestUnusedImportTSAmbiguityForcesManual verifies an unparsed import
// form clears AutoApply even when another import is provably unused.
func TestUnusedImportTSAmbiguityForcesManual(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"amb.ts": `import {
  spread
} from './multi-line';
import { unusedHelper } from './helpers';

export function run() { return 1; }
`,
	})

	s := NewScanner(root, snap, nil)
	opp, ok := s.UnusedImports("amb.ts")
	require.True(t, ok)
	assert.Contains(t, opp.Description, "unusedHelper")
	assert.False(t, opp.AutoApply, "multi-line import form is ambiguous")
	assert.Empty(t, opp.Fix)
}

// TestUnusedImportSharedLineStaysManual verifies that an import line
// introducing several names is never removed whole, even when one of
// them is unused.
func TestUnusedImportSharedLineStaysManual(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"clock.py": `from datetime import datetime, timedelta

def now():
    return datetime.now()
`,
	})

	s := NewScanner(root, snap, nil)
	opp, ok := s.UnusedImports("clock.py")
	require.True(t, ok)
	assert.Contains(t, opp.Description, "timedelta")
	assert.False(t, opp.AutoApply, "removing the line would also drop datetime")
	assert.Empty(t, opp.Fix)
}

// TestUnusedImportTS verifies named-import and alias handling.
func TestUnusedImportTS(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"routes.ts": `import { db, query as runQuery } from './database';
import express from 'express';

export function handler(req) {
  return runQuery(db, req.id);
}
`,
	})

	s := NewScanner(root, snap, nil)
	opp, ok := s.UnusedImports("routes.ts")
	require.True(t, ok)
	assert.Contains(t, opp.Description, "express")
	assert.Equal(t, 2, opp.Line)
	assert.True(t, opp.AutoApply)
}

// TestUnusedImportPython verifies module and from-import handling.
func TestUnusedImportPython(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"tool.py": `import json
import sys
from datetime import datetime

def run(data):
    return json.dumps({"at": datetime.now().isoformat(), "data": data})
`,
	})

	s := NewScanner(root, snap, nil)
	opp, ok := s.UnusedImports("tool.py")
	require.True(t, ok)
	assert.Contains(t, opp.Description, "sys")
	assert.Equal(t, 2, opp.Line)
}

// TestScanCollectsAllOpportunities verifies the full read-only pass.
func TestScanCollectsAllOpportunities(t *testing.T) {
	root, snap := buildSnapshot(t, map[string]string{
		"app.ts": `import { unused } from './dead';

export function main() {
  console.log('debugging');
  // TODO tighten validation
  return 0;
}
`,
	})

	s := NewScanner(root, snap, nil)
	opps, err := s.Scan(context.Background())
	require.NoError(t, err)

	var types []Type
	for _, o := range opps {
		types = append(types, o.Type)
		assert.Equal(t, "app.ts", o.File)
	}
	assert.Contains(t, types, TypeUnusedImport)
	assert.Contains(t, types, TypeDebugStatement)
	assert.Contains(t, types, TypeStaleMarker)

	for _, o := range opps {
		if o.Type == TypeDebugStatement || o.Type == TypeStaleMarker {
			assert.False(t, o.AutoApply)
		}
	}
}

// TestScanIsReadOnly verifies the scan leaves every file untouched.
func TestScanIsReadOnly(t *testing.T) {
	content := `import sys

def f():
    pass
`
	root, snap := buildSnapshot(t, map[string]string{"m.py": content})

	s := NewScanner(root, snap, nil)
	_, err := s.Scan(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "m.py"))
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}
