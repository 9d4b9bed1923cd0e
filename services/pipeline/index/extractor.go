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
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// FunctionInfo describes one function found in a source file.
type FunctionInfo struct {
	// Name is the function's declared name.
	Name string `json:"name"`

	// StartLine is the 1-based line of the declaration.
	StartLine int `json:"start_line"`

	// EndLine is the 1-based line where the function body ends.
	// Best-effort; equals StartLine when the end could not be located.
	EndLine int `json:"end_line"`

	// Exported reports whether the function is part of the file's
	// public surface (capitalized in Go, `export`ed in TS/JS,
	// non-underscore-prefixed in Python).
	Exported bool `json:"exported"`
}

// FileSummary is the structural summary of one source file.
//
// # Description
//
// Summaries are produced by an Extractor and collected into a
// Snapshot. They are heuristic: import targets and function ranges
// are extracted from line patterns, not a parse tree. False negatives
// on exports are acceptable; a summary always exists for every
// readable source file.
type FileSummary struct {
	// Path is the file path relative to the index root.
	Path string `json:"path"`

	// Language is the detected language tag ("go", "typescript",
	// "javascript", "python") or "" for unrecognized extensions.
	Language string `json:"language"`

	// Imports lists textual import/require targets.
	Imports []string `json:"imports"`

	// Functions lists function descriptors in declaration order.
	Functions []FunctionInfo `json:"functions"`
}

// Extractor produces a best-effort structural summary of a source file.
//
// # Description
//
// The default implementation is line/regex based. The interface exists
// so a real parser can later be substituted without changing any
// consumer of the index.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the indexer calls
// Extract from multiple goroutines.
type Extractor interface {
	// Extract summarizes src. path is used for language detection and
	// recorded on the returned summary.
	Extract(path string, src []byte) FileSummary
}

// LanguageForExt returns the language tag for a file extension.
func LanguageForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	default:
		return ""
	}
}

// heuristicExtractor is the default line-pattern Extractor.
type heuristicExtractor struct{}

// NewHeuristicExtractor returns the default best-effort extractor.
func NewHeuristicExtractor() Extractor {
	return heuristicExtractor{}
}

var (
	goImportSingle = regexp.MustCompile(`^import\s+(?:\w+\s+|\.\s+|_\s+)?"([^"]+)"`)
	goImportEntry  = regexp.MustCompile(`^\s*(?:\w+\s+|\.\s+|_\s+)?"([^"]+)"`)
	goFunc         = regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)\s*\(`)

	jsImportFrom = regexp.MustCompile(`^\s*import\s+.*?\s+from\s+['"]([^'"]+)['"]`)
	jsImportBare = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	jsRequire    = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	jsFuncDecl   = regexp.MustCompile(`^\s*(export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(`)
	jsArrowDecl  = regexp.MustCompile(`^\s*(export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*(?::\s*[^=]+)?=>`)

	pyImport     = regexp.MustCompile(`^import\s+([\w.]+)`)
	pyFromImport = regexp.MustCompile(`^from\s+([\w.]+)\s+import\b`)
	pyDef        = regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`)
)

// Extract implements Extractor.
func (heuristicExtractor) Extract(path string, src []byte) FileSummary {
	summary := FileSummary{
		Path:     path,
		Language: LanguageForExt(path),
	}

	lines := strings.Split(string(src), "\n")
	switch summary.Language {
	case "go":
		extractGo(lines, &summary)
	case "typescript", "javascript":
		extractJS(lines, &summary)
	case "python":
		extractPython(lines, &summary)
	}
	return summary
}

func extractGo(lines []string, s *FileSummary) {
	inImportBlock := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")

		if inImportBlock {
			if strings.HasPrefix(strings.TrimSpace(trimmed), ")") {
				inImportBlock = false
				continue
			}
			if m := goImportEntry.FindStringSubmatch(trimmed); m != nil {
				s.Imports = append(s.Imports, m[1])
			}
			continue
		}

		if strings.HasPrefix(trimmed, "import (") {
			inImportBlock = true
			continue
		}
		if m := goImportSingle.FindStringSubmatch(trimmed); m != nil {
			s.Imports = append(s.Imports, m[1])
			continue
		}

		if m := goFunc.FindStringSubmatch(trimmed); m != nil {
			name := m[1]
			s.Functions = append(s.Functions, FunctionInfo{
				Name:      name,
				StartLine: i + 1,
				EndLine:   findBraceEnd(lines, i),
				Exported:  unicode.IsUpper(rune(name[0])),
			})
		}
	}
}

func extractJS(lines []string, s *FileSummary) {
	for i, line := range lines {
		if m := jsImportFrom.FindStringSubmatch(line); m != nil {
			s.Imports = append(s.Imports, m[1])
		} else if m := jsImportBare.FindStringSubmatch(line); m != nil {
			s.Imports = append(s.Imports, m[1])
		}
		for _, m := range jsRequire.FindAllStringSubmatch(line, -1) {
			s.Imports = append(s.Imports, m[1])
		}

		if m := jsFuncDecl.FindStringSubmatch(line); m != nil {
			s.Functions = append(s.Functions, FunctionInfo{
				Name:      m[2],
				StartLine: i + 1,
				EndLine:   findBraceEnd(lines, i),
				Exported:  m[1] != "",
			})
		} else if m := jsArrowDecl.FindStringSubmatch(line); m != nil {
			s.Functions = append(s.Functions, FunctionInfo{
				Name:      m[2],
				StartLine: i + 1,
				EndLine:   findBraceEnd(lines, i),
				Exported:  m[1] != "",
			})
		}
	}
}

func extractPython(lines []string, s *FileSummary) {
	for i, line := range lines {
		if m := pyImport.FindStringSubmatch(line); m != nil {
			s.Imports = append(s.Imports, m[1])
			continue
		}
		if m := pyFromImport.FindStringSubmatch(line); m != nil {
			s.Imports = append(s.Imports, m[1])
			continue
		}
		if m := pyDef.FindStringSubmatch(line); m != nil {
			name := m[1]
			s.Functions = append(s.Functions, FunctionInfo{
				Name:      name,
				StartLine: i + 1,
				EndLine:   findIndentEnd(lines, i),
				Exported:  !strings.HasPrefix(name, "_"),
			})
		}
	}
}

// findBraceEnd locates the closing line of a brace-delimited body by
// counting braces from the declaration line. Falls back to the
// declaration line when the body never closes (truncated or
// single-expression declarations).
func findBraceEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, r := range lines[i] {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i + 1
		}
	}
	return start + 1
}

// findIndentEnd locates the last line of an indented Python block:
// the last non-blank line before the next statement at the
// declaration's indentation level or shallower.
func findIndentEnd(lines []string, start int) int {
	base := indentOf(lines[start])
	end := start
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if indentOf(lines[i]) <= base {
			break
		}
		end = i
	}
	return end + 1
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}
