// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end
// up in file paths or subprocess calls. Using these validators
// prevents path traversal and shell-metacharacter injection.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// branchPattern matches safe git branch names: no spaces, no shell
// metacharacters, no leading dash (would parse as a flag).
var branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/\-]{0,199}$`)

// ValidateRelPath validates a target file path before it is joined
// under the managed tree root.
//
// Valid paths:
//   - Relative (no leading separator, no drive letter)
//   - Stay inside the root: no ".." traversal after cleaning
//   - No NUL bytes
//
// Example:
//
//	if err := validation.ValidateRelPath(rec.FilePath); err != nil {
//	    return fmt.Errorf("invalid target: %w", err)
//	}
//	target := filepath.Join(root, rec.FilePath)
func ValidateRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative: %q", path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes the tree root: %q", path)
	}
	return nil
}

// ValidateBranchName validates a git branch name before it reaches a
// subprocess call.
//
// Returns an error if the name is empty, too long, starts with a
// dash, or contains characters outside [A-Za-z0-9._/-].
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if !branchPattern.MatchString(name) {
		return fmt.Errorf("invalid branch name: %q (must be 1-200 chars of letters, digits, dots, slashes, or hyphens, not starting with a dash)", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid branch name: %q (\"..\" is not allowed)", name)
	}
	return nil
}
