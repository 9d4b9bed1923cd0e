// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateRelPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple file", "main.go", false},
		{"nested", "pkg/util/strings.go", false},
		{"dot segment collapses", "pkg/./util.go", false},
		{"internal dotdot stays inside", "pkg/sub/../util.go", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"bare traversal", "..", true},
		{"leading traversal", "../outside.go", true},
		{"collapsing traversal", "pkg/../../outside.go", true},
		{"nul byte", "a\x00b.go", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRelPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"simple", "main", false},
		{"namespaced", "autopatch/batch-7", false},
		{"dotted", "release-1.2", false},
		{"empty", "", true},
		{"leading dash", "-rf", true},
		{"space", "my branch", true},
		{"semicolon", "x;rm", true},
		{"dotdot", "a..b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.branch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName(%q) error = %v, wantErr %v", tt.branch, err, tt.wantErr)
			}
		})
	}
}
