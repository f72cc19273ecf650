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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/AleutianAI/patchengine/services/patch"
)

// =============================================================================
// JSON DOCUMENT OPERATIONS
// =============================================================================

// applyJSONOperation applies one RFC 6902 style operation to the JSON
// document named by op.File.
func (w *Worker) applyJSONOperation(op *patch.Operation, dryRun bool) (string, error) {
	if op.File == "" {
		return "", &patch.ValidationError{Op: op.Op, Reason: "file is required for JSON document operations"}
	}
	path, err := w.safePath(op.File)
	if err != nil {
		return "", err
	}

	doc, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", op.File, err)
	}
	if !gjson.ValidBytes(doc) {
		return "", fmt.Errorf("%s is not valid JSON", op.File)
	}

	updated, err := applyJSONPatch(doc, op)
	if err != nil {
		return "", err
	}

	diff, err := unifiedDiff(op.File, string(doc), string(updated))
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}

	if !dryRun && !bytes.Equal(doc, updated) {
		if err := w.writeFile(path, string(updated)); err != nil {
			return "", err
		}
	}
	return diff, nil
}

// applyJSONPatch mutates a JSON document per one operation.
func applyJSONPatch(doc []byte, op *patch.Operation) ([]byte, error) {
	target, err := pointerToPath(op.Path)
	if err != nil {
		return nil, err
	}

	switch op.Op {
	case patch.OpAdd:
		return sjson.SetRawBytes(doc, target, op.Value)

	case patch.OpReplace:
		if !gjson.GetBytes(doc, target).Exists() {
			return nil, fmt.Errorf("path %s does not exist", op.Path)
		}
		return sjson.SetRawBytes(doc, target, op.Value)

	case patch.OpRemove:
		if !gjson.GetBytes(doc, target).Exists() {
			return nil, fmt.Errorf("path %s does not exist", op.Path)
		}
		return sjson.DeleteBytes(doc, target)

	case patch.OpMove:
		from, err := pointerToPath(op.From)
		if err != nil {
			return nil, err
		}
		val := gjson.GetBytes(doc, from)
		if !val.Exists() {
			return nil, fmt.Errorf("path %s does not exist", op.From)
		}
		doc, err = sjson.DeleteBytes(doc, from)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(doc, target, []byte(val.Raw))

	case patch.OpCopy:
		from, err := pointerToPath(op.From)
		if err != nil {
			return nil, err
		}
		val := gjson.GetBytes(doc, from)
		if !val.Exists() {
			return nil, fmt.Errorf("path %s does not exist", op.From)
		}
		return sjson.SetRawBytes(doc, target, []byte(val.Raw))

	case patch.OpTest:
		val := gjson.GetBytes(doc, target)
		if !val.Exists() {
			return nil, fmt.Errorf("test failed: path %s does not exist", op.Path)
		}
		if !jsonEqual([]byte(val.Raw), op.Value) {
			return nil, fmt.Errorf("test failed at %s: document has %s, expected %s",
				op.Path, val.Raw, op.Value)
		}
		return doc, nil

	default:
		return nil, &patch.ValidationError{Op: op.Op, Reason: "Invalid operation type"}
	}
}

// pointerToPath converts an RFC 6901 JSON pointer to a gjson/sjson
// path. "-" (array append) maps to sjson's -1 index.
func pointerToPath(pointer string) (string, error) {
	if !strings.HasPrefix(pointer, "/") {
		return "", &patch.ValidationError{Reason: "Invalid path format"}
	}
	segs := strings.Split(pointer[1:], "/")
	out := make([]string, len(segs))
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		if s == "-" {
			s = "-1"
		}
		// gjson treats dots as separators; escape literal dots.
		s = strings.ReplaceAll(s, ".", `\.`)
		out[i] = s
	}
	return strings.Join(out, "."), nil
}

// jsonEqual compares two JSON values structurally.
func jsonEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ab, err := json.Marshal(canonical(av))
	if err != nil {
		return false
	}
	bb, err := json.Marshal(canonical(bv))
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// canonical normalizes maps recursively so Marshal produces stable
// output (encoding/json already sorts map keys).
func canonical(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonical(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonical(val)
		}
		return out
	default:
		return v
	}
}
