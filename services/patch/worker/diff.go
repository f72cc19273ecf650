// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// diffContextLines is the context shown around each change in diffs.
const diffContextLines = 3

// maxLCSCells bounds the LCS table; larger inputs fall back to a
// whole-file replacement hunk.
const maxLCSCells = 4 << 20

// editLine is one line of a computed diff body.
type editLine struct {
	kind byte // ' ', '-', '+'
	text string
}

// unifiedDiff renders the change from original to updated content as a
// unified diff, or an empty string when nothing changed.
func unifiedDiff(name, original, updated string) (string, error) {
	if original == updated {
		return "", nil
	}

	a := strings.Split(original, "\n")
	b := strings.Split(updated, "\n")
	edits := diffEdits(a, b)
	hunks := buildHunks(edits)
	if len(hunks) == 0 {
		return "", nil
	}

	fd := &diff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		Hunks:    hunks,
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// diffEdits computes a line-level edit script via LCS.
func diffEdits(a, b []string) []editLine {
	if len(a)*len(b) > maxLCSCells {
		// Too large for the DP table; emit a full replacement.
		edits := make([]editLine, 0, len(a)+len(b))
		for _, line := range a {
			edits = append(edits, editLine{'-', line})
		}
		for _, line := range b {
			edits = append(edits, editLine{'+', line})
		}
		return edits
	}

	// Trim the common prefix and suffix before building the table.
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	am := a[prefix : len(a)-suffix]
	bm := b[prefix : len(b)-suffix]

	lcs := make([][]int, len(am)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(bm)+1)
	}
	for i := len(am) - 1; i >= 0; i-- {
		for j := len(bm) - 1; j >= 0; j-- {
			if am[i] == bm[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var edits []editLine
	for _, line := range a[:prefix] {
		edits = append(edits, editLine{' ', line})
	}
	i, j := 0, 0
	for i < len(am) && j < len(bm) {
		switch {
		case am[i] == bm[j]:
			edits = append(edits, editLine{' ', am[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			edits = append(edits, editLine{'-', am[i]})
			i++
		default:
			edits = append(edits, editLine{'+', bm[j]})
			j++
		}
	}
	for ; i < len(am); i++ {
		edits = append(edits, editLine{'-', am[i]})
	}
	for ; j < len(bm); j++ {
		edits = append(edits, editLine{'+', bm[j]})
	}
	for _, line := range a[len(a)-suffix:] {
		edits = append(edits, editLine{' ', line})
	}
	return edits
}

// buildHunks groups an edit script into context-bounded hunks.
func buildHunks(edits []editLine) []*diff.Hunk {
	var hunks []*diff.Hunk

	origLine, newLine := 1, 1
	i := 0
	for i < len(edits) {
		if edits[i].kind == ' ' {
			origLine++
			newLine++
			i++
			continue
		}

		// Found a change; open a hunk with leading context.
		start := i - diffContextLines
		if start < 0 {
			start = 0
		}
		hunkOrig := origLine - (i - start)
		hunkNew := newLine - (i - start)

		// Extend through subsequent changes separated by at most
		// 2*context equal lines.
		end := i
		run := 0
		for k := i; k < len(edits); k++ {
			if edits[k].kind == ' ' {
				run++
				if run > 2*diffContextLines {
					break
				}
			} else {
				run = 0
				end = k
			}
		}
		stop := end + diffContextLines + 1
		if stop > len(edits) {
			stop = len(edits)
		}

		var body strings.Builder
		var origCount, newCount int
		for k := start; k < stop; k++ {
			body.WriteByte(edits[k].kind)
			body.WriteString(edits[k].text)
			if k < stop-1 {
				body.WriteByte('\n')
			}
			switch edits[k].kind {
			case ' ':
				origCount++
				newCount++
			case '-':
				origCount++
			case '+':
				newCount++
			}
		}

		hunks = append(hunks, &diff.Hunk{
			OrigStartLine: int32(hunkOrig),
			OrigLines:     int32(origCount),
			NewStartLine:  int32(hunkNew),
			NewLines:      int32(newCount),
			Body:          []byte(body.String()),
		})

		// Advance counters past the consumed edits.
		for k := i; k < stop; k++ {
			switch edits[k].kind {
			case ' ':
				origLine++
				newLine++
			case '-':
				origLine++
			case '+':
				newLine++
			}
		}
		i = stop
	}
	return hunks
}
