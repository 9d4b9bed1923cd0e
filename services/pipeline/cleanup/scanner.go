// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cleanup scans an indexed source tree for mechanical fixes.
//
// # Description
//
// The scanner is strictly read-only: it reads file content and the
// index snapshot and produces CleanupOpportunity values. Nothing here
// ever touches disk; an opportunity must be converted into a change
// record (change.Manager.ProposeCleanup) before it can affect the tree.
//
// AutoApply is set only when a fix is lexically local and provably
// non-semantic. Any ambiguity forces AutoApply=false.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/autopatch/services/pipeline/index"
)

// Type tags a cleanup opportunity.
type Type string

const (
	// TypeUnusedImport marks an import with zero remaining references.
	TypeUnusedImport Type = "unused_import"

	// TypeDebugStatement marks a leftover console/debug call.
	TypeDebugStatement Type = "debug_statement"

	// TypeStaleMarker marks a TODO/FIXME comment for triage.
	TypeStaleMarker Type = "stale_marker"
)

// Opportunity is one candidate mechanical fix.
//
// Opportunities are proposals only; converting one into an applied
// change goes through the full risk gate.
type Opportunity struct {
	Type        Type   `json:"type"`
	Description string `json:"description"`
	AutoApply   bool   `json:"auto_apply"`
	File        string `json:"file"`
	Line        int    `json:"line"`

	// Fix is the full corrected file content, present only when the
	// edit is mechanical enough to auto-apply. Empty for advisory
	// opportunities such as debug statements and stale markers.
	Fix string `json:"fix,omitempty"`
}

// Scanner produces cleanup opportunities from an index snapshot.
//
// # Thread Safety
//
// Scanner is stateless after construction and safe for concurrent use.
type Scanner struct {
	root string
	snap *index.Snapshot
	log  *slog.Logger
}

// NewScanner creates a scanner over the given snapshot.
//
// root must be the same directory the snapshot was indexed from;
// snapshot paths are resolved against it when reading file content.
func NewScanner(root string, snap *index.Snapshot, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{root: root, snap: snap, log: logger}
}

// Scan walks the snapshot and collects all opportunities, ordered by
// file path. Per-file read failures are logged and skipped; the scan
// itself never fails on one bad file.
func (s *Scanner) Scan(ctx context.Context) ([]Opportunity, error) {
	var out []Opportunity
	for _, path := range s.snap.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := s.read(path)
		if err != nil {
			s.log.Warn("cleanup scan skipping file", "path", path, "error", err)
			continue
		}
		if opp, ok := s.unusedImport(path, src); ok {
			out = append(out, *opp)
		}
		out = append(out, s.debugStatements(path, src)...)
		out = append(out, s.staleMarkers(path, src)...)
	}
	return out, nil
}

// UnusedImports reports at most one unused-import opportunity for the
// file, or false when every import is referenced (or the file is not
// in the snapshot).
func (s *Scanner) UnusedImports(path string) (*Opportunity, bool) {
	if _, ok := s.snap.File(path); !ok {
		return nil, false
	}
	src, err := s.read(path)
	if err != nil {
		s.log.Warn("cleanup scan skipping file", "path", path, "error", err)
		return nil, false
	}
	return s.unusedImport(path, src)
}

func (s *Scanner) read(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// binding is one local name introduced by an import statement.
type binding struct {
	name string
	line int
}

// unusedImport finds the first import binding with zero references in
// the rest of the file. AutoApply is granted only when every import
// line in the file parsed cleanly and the import line introduces a
// single binding; an unparsed form or a shared line means the fix
// cannot be proven non-semantic. Auto-applicable opportunities carry
// the corrected file content in Fix.
func (s *Scanner) unusedImport(path, src string) (*Opportunity, bool) {
	sum, ok := s.snap.File(path)
	if !ok {
		return nil, false
	}

	lines := strings.Split(src, "\n")
	var bindings []binding
	ambiguous := false
	importLines := make(map[int]bool)

	switch sum.Language {
	case "go":
		bindings, ambiguous = goBindings(lines, importLines)
	case "typescript", "javascript":
		bindings, ambiguous = jsBindings(lines, importLines)
	case "python":
		bindings, ambiguous = pyBindings(lines, importLines)
	default:
		return nil, false
	}

	perLine := make(map[int]int)
	for _, b := range bindings {
		perLine[b.line]++
	}

	for _, b := range bindings {
		if referenced(lines, importLines, b.name) {
			continue
		}
		// Removing a line that introduces more than one binding would
		// drop names still in use, so those stay manual.
		auto := !ambiguous && perLine[b.line] == 1
		opp := &Opportunity{
			Type:        TypeUnusedImport,
			Description: fmt.Sprintf("import %q has no remaining references", b.name),
			AutoApply:   auto,
			File:        path,
			Line:        b.line,
		}
		if auto {
			opp.Fix = removeLine(lines, b.line)
		}
		return opp, true
	}
	return nil, false
}

// removeLine returns the file content without the given 1-based line.
func removeLine(lines []string, line int) string {
	out := make([]string, 0, len(lines)-1)
	for i, l := range lines {
		if i == line-1 {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// referenced reports whether name occurs as an identifier on any
// non-import line.
func referenced(lines []string, importLines map[int]bool, name string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	for i, line := range lines {
		if importLines[i] {
			continue
		}
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

var (
	goImportLine  = regexp.MustCompile(`^import\s+(?:(\w+)\s+)?"([^"]+)"`)
	goBlockEntry  = regexp.MustCompile(`^\s*(?:(\w+|\.|_)\s+)?"([^"]+)"`)
	jsNamedImport = regexp.MustCompile(`^\s*import\s+(?:type\s+)?(.+?)\s+from\s+['"][^'"]+['"]`)
	jsSideEffect  = regexp.MustCompile(`^\s*import\s+['"][^'"]+['"]`)
	jsRequireDecl = regexp.MustCompile(`^\s*(?:const|let|var)\s+(\w+)\s*=\s*require\(`)
	pyImportLine  = regexp.MustCompile(`^import\s+([\w.]+)(?:\s+as\s+(\w+))?\s*$`)
	pyFromLine    = regexp.MustCompile(`^from\s+[\w.]+\s+import\s+(.+)$`)
)

func goBindings(lines []string, importLines map[int]bool) ([]binding, bool) {
	var out []binding
	ambiguous := false
	inBlock := false
	for i, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		if inBlock {
			importLines[i] = true
			if strings.HasPrefix(strings.TrimSpace(line), ")") {
				inBlock = false
				continue
			}
			m := goBlockEntry.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			alias, target := m[1], m[2]
			switch alias {
			case "_", ".":
				// Side-effect and dot imports are never "unused".
				continue
			case "":
				out = append(out, binding{name: pkgBase(target), line: i + 1})
			default:
				out = append(out, binding{name: alias, line: i + 1})
			}
			continue
		}
		if strings.HasPrefix(line, "import (") {
			inBlock = true
			importLines[i] = true
			continue
		}
		if m := goImportLine.FindStringSubmatch(line); m != nil {
			importLines[i] = true
			alias, target := m[1], m[2]
			if alias == "_" || alias == "." {
				continue
			}
			if alias == "" {
				out = append(out, binding{name: pkgBase(target), line: i + 1})
			} else {
				out = append(out, binding{name: alias, line: i + 1})
			}
		}
	}
	return out, ambiguous
}

// pkgBase guesses the package identifier from an import path. The
// guess can be wrong (package name != directory name), which is
// acceptable: a wrong guess produces a false "referenced" at worst,
// never a false removal.
func pkgBase(target string) string {
	base := target
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	// Strip version suffixes like "v4".
	if regexp.MustCompile(`^v\d+$`).MatchString(base) {
		if idx := strings.LastIndex(target, "/"); idx > 0 {
			parent := target[:idx]
			if j := strings.LastIndex(parent, "/"); j >= 0 {
				base = parent[j+1:]
			} else {
				base = parent
			}
		}
	}
	return base
}

func jsBindings(lines []string, importLines map[int]bool) ([]binding, bool) {
	var out []binding
	ambiguous := false
	for i, line := range lines {
		if jsSideEffect.MatchString(line) && !jsNamedImport.MatchString(line) {
			importLines[i] = true
			continue
		}
		if m := jsNamedImport.FindStringSubmatch(line); m != nil {
			importLines[i] = true
			names, ok := jsImportNames(m[1])
			if !ok {
				ambiguous = true
				continue
			}
			for _, n := range names {
				out = append(out, binding{name: n, line: i + 1})
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "import ") {
			// Multi-line or otherwise unparsed import form.
			importLines[i] = true
			ambiguous = true
			continue
		}
		if m := jsRequireDecl.FindStringSubmatch(line); m != nil {
			importLines[i] = true
			out = append(out, binding{name: m[1], line: i + 1})
		}
	}
	return out, ambiguous
}

// jsImportNames splits an import clause ("a, { b, c as d }, * as e")
// into local binding names. Returns ok=false for clauses it cannot
// account for completely.
func jsImportNames(clause string) ([]string, bool) {
	var names []string
	rest := strings.TrimSpace(clause)

	// Namespace import: * as name
	if strings.HasPrefix(rest, "* as ") {
		return []string{strings.TrimSpace(rest[5:])}, true
	}

	// Braced named imports.
	if open := strings.Index(rest, "{"); open >= 0 {
		closing := strings.Index(rest, "}")
		if closing < open {
			return nil, false
		}
		inner := rest[open+1 : closing]
		for _, part := range strings.Split(inner, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if idx := strings.Index(part, " as "); idx >= 0 {
				part = strings.TrimSpace(part[idx+4:])
			}
			names = append(names, part)
		}
		rest = strings.TrimSpace(rest[:open] + rest[closing+1:])
		rest = strings.TrimSuffix(rest, ",")
		rest = strings.TrimPrefix(rest, ",")
		rest = strings.TrimSpace(rest)
	}

	// Remaining bare token is a default import.
	if rest != "" {
		if regexp.MustCompile(`^[A-Za-z_$][\w$]*$`).MatchString(rest) {
			names = append(names, rest)
		} else {
			return nil, false
		}
	}
	return names, true
}

func pyBindings(lines []string, importLines map[int]bool) ([]binding, bool) {
	var out []binding
	ambiguous := false
	for i, line := range lines {
		if m := pyImportLine.FindStringSubmatch(line); m != nil {
			importLines[i] = true
			name := m[2]
			if name == "" {
				name = m[1]
				if idx := strings.Index(name, "."); idx >= 0 {
					name = name[:idx]
				}
			}
			out = append(out, binding{name: name, line: i + 1})
			continue
		}
		if m := pyFromLine.FindStringSubmatch(line); m != nil {
			importLines[i] = true
			clause := strings.TrimSpace(m[1])
			if clause == "*" {
				// Wildcard imports cannot be proven unused.
				ambiguous = true
				continue
			}
			for _, part := range strings.Split(clause, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if idx := strings.Index(part, " as "); idx >= 0 {
					part = strings.TrimSpace(part[idx+4:])
				}
				out = append(out, binding{name: part, line: i + 1})
			}
		}
	}
	return out, ambiguous
}

var debugCall = regexp.MustCompile(`^\s*console\.(log|debug|trace)\(`)

// debugStatements flags leftover console calls in TS/JS files. These
// are reported for review, never auto-applied: a console call can be
// intentional operator output.
func (s *Scanner) debugStatements(path, src string) []Opportunity {
	lang := index.LanguageForExt(path)
	if lang != "typescript" && lang != "javascript" {
		return nil
	}
	var out []Opportunity
	for i, line := range strings.Split(src, "\n") {
		if m := debugCall.FindStringSubmatch(line); m != nil {
			out = append(out, Opportunity{
				Type:        TypeDebugStatement,
				Description: fmt.Sprintf("console.%s left in source", m[1]),
				AutoApply:   false,
				File:        path,
				Line:        i + 1,
			})
		}
	}
	return out
}

var staleMarker = regexp.MustCompile(`\b(TODO|FIXME)\b`)

// staleMarkers reports TODO/FIXME comments for triage.
func (s *Scanner) staleMarkers(path, src string) []Opportunity {
	var out []Opportunity
	for i, line := range strings.Split(src, "\n") {
		if m := staleMarker.FindString(line); m != "" {
			out = append(out, Opportunity{
				Type:        TypeStaleMarker,
				Description: m + " marker",
				AutoApply:   false,
				File:        path,
				Line:        i + 1,
			})
		}
	}
	return out
}
