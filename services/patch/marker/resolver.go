// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package marker resolves sentinel comment tags to physical locations in
// source files.
//
// A sentinel tag is a single-line comment of the form:
//
//	// SENTINEL: INSERT_HANDLERS_HERE      (C-family, Go, TS/JS)
//	# SENTINEL: INSERT_HANDLERS_HERE       (Python, shell, YAML)
//
// Tags give patch authors stable anchors that survive unrelated edits to
// the file. The resolver is stateless and reads files fresh on every
// call, so results always reflect the current on-disk content.
package marker

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/AleutianAI/patchengine/services/patch"
)

// =============================================================================
// TYPES
// =============================================================================

// Location is a resolved marker position inside a source file.
//
// Locations are ephemeral: they are computed on demand and are only
// valid until the file changes.
type Location struct {
	// FilePath is the path of the file containing the marker.
	FilePath string `json:"filePath"`

	// LineNumber is the 1-indexed line the marker appears on.
	LineNumber int `json:"lineNumber"`

	// ColumnStart is the 0-indexed byte offset where the comment begins.
	ColumnStart int `json:"columnStart"`

	// ColumnEnd is the 0-indexed byte offset just past the marker name.
	ColumnEnd int `json:"columnEnd"`

	// MarkerName is the tag name after the SENTINEL: prefix.
	MarkerName string `json:"markerName"`

	// Context is the full text of the line the marker appears on.
	Context string `json:"context"`
}

// commentStyles maps file extensions to the comment leader used when
// scanning for sentinel tags. Extensions not listed here are skipped
// silently: an unsupported file has no markers, which is not an error.
var commentStyles = map[string]string{
	".go":    "//",
	".ts":    "//",
	".tsx":   "//",
	".js":    "//",
	".jsx":   "//",
	".c":     "//",
	".h":     "//",
	".cpp":   "//",
	".hpp":   "//",
	".java":  "//",
	".rs":    "//",
	".swift": "//",
	".py":    "#",
	".rb":    "#",
	".sh":    "#",
	".yaml":  "#",
	".yml":   "#",
	".toml":  "#",
}

var (
	slashMarkerRe = regexp.MustCompile(`//\s*SENTINEL:\s*([A-Za-z0-9_.-]+)`)
	hashMarkerRe  = regexp.MustCompile(`#\s*SENTINEL:\s*([A-Za-z0-9_.-]+)`)
)

// markerPattern returns the regexp for the file's comment style, or nil
// when the extension is not a supported source type.
func markerPattern(path string) *regexp.Regexp {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return nil
	}
	switch commentStyles[strings.ToLower(path[idx:])] {
	case "//":
		return slashMarkerRe
	case "#":
		return hashMarkerRe
	default:
		return nil
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver locates sentinel markers in source files.
//
// Thread Safety: Resolver holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	// Matcher filters files during glob expansion. Nil means the
	// default source-file matcher.
	matcher *GlobMatcher
}

// NewResolver creates a resolver with the default file matcher.
func NewResolver() *Resolver {
	return &Resolver{matcher: NewGlobMatcher(nil, DefaultExcludes)}
}

// FindMarkers scans a single file and returns every sentinel marker in
// it, in line order.
//
// # Description
//
// Files with unsupported extensions produce an empty result rather than
// an error, so callers can sweep mixed trees without filtering first.
//
// Outputs:
//
//	[]Location - All markers found, empty for marker-free or unsupported files.
//	error - A *patch.ResolutionError when the file cannot be read.
func (r *Resolver) FindMarkers(path string) ([]Location, error) {
	re := markerPattern(path)
	if re == nil {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &patch.ResolutionError{Path: path, Cause: err}
	}
	defer f.Close()

	var locs []Location
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		m := re.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		locs = append(locs, Location{
			FilePath:    path,
			LineNumber:  lineNum,
			ColumnStart: m[0],
			ColumnEnd:   m[3],
			MarkerName:  line[m[2]:m[3]],
			Context:     line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &patch.ResolutionError{Path: path, Cause: err}
	}
	return locs, nil
}

// ResolveMarkerPosition finds the first occurrence of a named marker in
// a file.
//
// Outputs:
//
//	*Location - The marker location, or nil when the marker is absent.
//	error - A *patch.ResolutionError when the file cannot be read.
//	        A missing marker is nil, nil - absence is a valid answer.
func (r *Resolver) ResolveMarkerPosition(path, name string) (*Location, error) {
	locs, err := r.FindMarkers(path)
	if err != nil {
		return nil, err
	}
	for i := range locs {
		if locs[i].MarkerName == name {
			return &locs[i], nil
		}
	}
	return nil, nil
}

// FindMarkersInFiles expands a glob pattern and scans every matched
// file, returning all markers in file-list order.
//
// Outputs:
//
//	[]Location - Markers from all matched files, concatenated in the
//	             order the files were matched.
//	error - A *patch.ResolutionError when expansion fails or any
//	        matched file cannot be read. Fail-fast: the first broken
//	        file aborts the sweep.
func (r *Resolver) FindMarkersInFiles(pattern string) ([]Location, error) {
	files, err := ExpandGlob(pattern, r.matcher)
	if err != nil {
		return nil, &patch.ResolutionError{Path: pattern, Cause: err}
	}

	var all []Location
	for _, f := range files {
		locs, err := r.FindMarkers(f)
		if err != nil {
			return nil, err
		}
		all = append(all, locs...)
	}
	return all, nil
}

// ValidateMarkerExists reports whether a named marker exists in a file.
func (r *Resolver) ValidateMarkerExists(path, name string) (bool, error) {
	loc, err := r.ResolveMarkerPosition(path, name)
	if err != nil {
		return false, err
	}
	return loc != nil, nil
}

// GetMarkerContext returns the lines surrounding a named marker,
// annotated with the file and line number, with the marker line
// flagged.
//
// # Description
//
// Radius is the number of lines shown on each side. When the marker is
// not present the result is a single descriptive line rather than an
// error, so the output is always safe to show to an operator.
func (r *Resolver) GetMarkerContext(path, name string, radius int) ([]string, error) {
	loc, err := r.ResolveMarkerPosition(path, name)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return []string{fmt.Sprintf("marker %q not found in %s", name, path)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &patch.ResolutionError{Path: path, Cause: err}
	}
	lines := strings.Split(string(data), "\n")

	start := loc.LineNumber - 1 - radius
	if start < 0 {
		start = 0
	}
	end := loc.LineNumber + radius
	if end > len(lines) {
		end = len(lines)
	}

	out := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		tag := "  "
		if i == loc.LineNumber-1 {
			tag = "=>"
		}
		out = append(out, fmt.Sprintf("%s %s:%d | %s", tag, path, i+1, lines[i]))
	}
	return out, nil
}
