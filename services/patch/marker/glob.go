// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package marker

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExcludes lists directories and files never scanned for markers.
var DefaultExcludes = []string{
	"vendor/**",
	"node_modules/**",
	".git/**",
	"**/testdata/**",
	"**/dist/**",
	"**/build/**",
}

// GlobMatcher filters file paths against include/exclude glob patterns.
//
// Patterns use glob syntax with ** for recursive matching:
//   - * matches any sequence of non-separator characters
//   - ** matches any sequence of characters including separators
//   - ? matches any single non-separator character
//
// Thread Safety: GlobMatcher is safe for concurrent use after creation.
type GlobMatcher struct {
	includes []string
	excludes []string
}

// NewGlobMatcher creates a matcher. Empty includes means everything is
// included; empty excludes means nothing is excluded.
func NewGlobMatcher(includes, excludes []string) *GlobMatcher {
	return &GlobMatcher{includes: includes, excludes: excludes}
}

// Match returns true if the path passes the exclude patterns and, when
// include patterns exist, matches at least one of them. Paths are
// normalized to forward slashes before matching.
func (m *GlobMatcher) Match(path string) bool {
	path = filepath.ToSlash(path)

	for _, pattern := range m.excludes {
		if matchGlob(pattern, path) {
			return false
		}
	}
	if len(m.includes) == 0 {
		return true
	}
	for _, pattern := range m.includes {
		if matchGlob(pattern, path) {
			return true
		}
	}
	return false
}

// ExpandGlob resolves a glob pattern to a sorted list of regular files,
// filtered through the matcher (nil matcher means no filtering).
//
// Patterns without ** go straight to filepath.Glob. Patterns with **
// walk the tree rooted at the longest literal prefix.
func ExpandGlob(pattern string, m *GlobMatcher) ([]string, error) {
	pattern = filepath.ToSlash(pattern)

	var files []string
	if !strings.Contains(pattern, "**") {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, p := range matches {
			info, err := os.Stat(p)
			if err != nil {
				return nil, err
			}
			if info.Mode().IsRegular() && (m == nil || m.Match(p)) {
				files = append(files, p)
			}
		}
		sort.Strings(files)
		return files, nil
	}

	root := literalPrefix(pattern)
	if root == "" {
		root = "."
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		sp := filepath.ToSlash(p)
		if !matchGlob(pattern, sp) {
			return nil
		}
		if m == nil || m.Match(sp) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// literalPrefix returns the wildcard-free leading directory of a pattern.
func literalPrefix(pattern string) string {
	segs := strings.Split(pattern, "/")
	var keep []string
	for _, s := range segs {
		if strings.ContainsAny(s, "*?[") {
			break
		}
		keep = append(keep, s)
	}
	return strings.Join(keep, "/")
}

// matchGlob matches a path against one glob pattern, handling ** by
// segment-wise backtracking.
func matchGlob(pattern, path string) bool {
	if !strings.Contains(pattern, "**") {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		ok, _ := filepath.Match(pattern, filepath.Base(path))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		// ** may swallow zero or more path segments.
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, _ := filepath.Match(pat[0], segs[0]); !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}
