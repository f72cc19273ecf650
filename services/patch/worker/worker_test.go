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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/patchengine/services/patch"
)

func newTestWorker(t *testing.T) (*Worker, string) {
	t.Helper()
	root := t.TempDir()
	w, err := New(Config{ProjectRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, root
}

func writeTestFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readTestFile(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func applyOne(t *testing.T, w *Worker, op patch.Operation) *patch.WorkerResult {
	t.Helper()
	return w.Apply(&patch.Descriptor{
		PatchID:    "p-test",
		Operations: []patch.Operation{op},
	})
}

func TestWorker_ReplaceBlock(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "svc.go", "package svc\n\nfunc f() {\n\told()\n\tolder()\n}\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpReplaceBlock, Path: "svc.go",
		Start: 4, End: 5, Block: "updated()",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	got := readTestFile(t, root, "svc.go")
	want := "package svc\n\nfunc f() {\n\tupdated()\n}\n"
	if got != want {
		t.Errorf("file content:\n%q\nwant:\n%q", got, want)
	}
	if !strings.Contains(res.Operations[0].Diff, "-\told()") ||
		!strings.Contains(res.Operations[0].Diff, "+\tupdated()") {
		t.Errorf("diff missing change lines:\n%s", res.Operations[0].Diff)
	}
}

func TestWorker_InsertPreservesIndentation(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "svc.py", "def f():\n    a = 1\n    return a\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertAfter, Path: "svc.py",
		Line: 2, Block: "b = 2",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	got := readTestFile(t, root, "svc.py")
	want := "def f():\n    a = 1\n    b = 2\n    return a\n"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestWorker_PreIndentedBlockNotDoubleIndented(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "calc.py", "def add(a, b):\n    return a + b\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertBefore, Path: "calc.py",
		Line: 2, Block: "    print('adding numbers')",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	got := readTestFile(t, root, "calc.py")
	want := "def add(a, b):\n    print('adding numbers')\n    return a + b\n"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestWorker_MultiLineBlockIndentsFirstLineOnly(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "svc.py", "def f():\n    a = 1\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertAfter, Path: "svc.py",
		Line: 2, Block: "if a:\n        a += 1",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	got := readTestFile(t, root, "svc.py")
	want := "def f():\n    a = 1\n    if a:\n        a += 1\n"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestWorker_BlankAnchorSkipsIndentation(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "svc.py", "def f():\n    \n    a = 1\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertBefore, Path: "svc.py",
		Line: 2, Block: "x = 0",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	got := readTestFile(t, root, "svc.py")
	want := "def f():\nx = 0\n    \n    a = 1\n"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestWorker_InsertBeforeAtEndOfFile(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "a.txt", "one\ntwo")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertBefore, Path: "a.txt",
		Line: 3, Block: "three",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	if got := readTestFile(t, root, "a.txt"); got != "one\ntwo\nthree" {
		t.Errorf("got %q", got)
	}

	// insert-after has no one-past-the-end anchor.
	res = applyOne(t, w, patch.Operation{
		Op: patch.OpInsertAfter, Path: "a.txt",
		Line: 4, Block: "four",
	})
	if res.Success {
		t.Fatal("insert-after past end of file succeeded")
	}
	if !strings.Contains(res.Operations[0].Error, "out of range") {
		t.Errorf("unexpected error %q", res.Operations[0].Error)
	}
}

func TestWorker_InsertBefore(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "a.txt", "one\ntwo\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertBefore, Path: "a.txt",
		Line: 2, Block: "middle", OpenSpace: true,
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	if got := readTestFile(t, root, "a.txt"); got != "one\nmiddle\ntwo\n" {
		t.Errorf("got %q", got)
	}
}

func TestWorker_OpenSpaceSkipsIndentation(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "svc.py", "def f():\n    a = 1\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertAfter, Path: "svc.py",
		Line: 2, Block: "# comment", OpenSpace: true,
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	if got := readTestFile(t, root, "svc.py"); got != "def f():\n    a = 1\n# comment\n" {
		t.Errorf("got %q", got)
	}
}

func TestWorker_AppendAndPrepend(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "list.txt", "b\n")

	res := applyOne(t, w, patch.Operation{Op: patch.OpAppend, Path: "list.txt", Block: "c"})
	if !res.Success {
		t.Fatalf("append failed: %+v", res.Operations)
	}
	res = applyOne(t, w, patch.Operation{Op: patch.OpPrepend, Path: "list.txt", Block: "a"})
	if !res.Success {
		t.Fatalf("prepend failed: %+v", res.Operations)
	}

	if got := readTestFile(t, root, "list.txt"); got != "a\nb\nc\n" {
		t.Errorf("got %q, want %q", got, "a\nb\nc\n")
	}
}

func TestWorker_BlockFile(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "target.txt", "start\nend\n")
	writeTestFile(t, root, "block.txt", "from file\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpInsertAfter, Path: "target.txt",
		Line: 1, BlockFile: "block.txt",
	})

	if !res.Success {
		t.Fatalf("apply failed: %+v", res.Operations)
	}
	if got := readTestFile(t, root, "target.txt"); got != "start\nfrom file\nend\n" {
		t.Errorf("got %q", got)
	}
}

func TestWorker_RejectsPathEscape(t *testing.T) {
	w, _ := newTestWorker(t)

	for _, p := range []string{"../outside.txt", "/etc/passwd"} {
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpAppend, Path: p, Block: "x",
		})
		if res.Success {
			t.Errorf("path %q escaped the project root", p)
		}
		if !strings.Contains(res.Operations[0].Error, "escapes project root") {
			t.Errorf("path %q: unexpected error %q", p, res.Operations[0].Error)
		}
	}
}

func TestWorker_OutOfRangeLine(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "short.txt", "only\n")

	res := applyOne(t, w, patch.Operation{
		Op: patch.OpReplaceBlock, Path: "short.txt",
		Start: 10, End: 12, Block: "x",
	})
	if res.Success {
		t.Fatal("out-of-range edit succeeded")
	}
	if !strings.Contains(res.Operations[0].Error, "out of range") {
		t.Errorf("unexpected error %q", res.Operations[0].Error)
	}
}

func TestWorker_FailFastStopsBatch(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "f.txt", "line\n")

	res := w.Apply(&patch.Descriptor{
		PatchID: "p-ff",
		Operations: []patch.Operation{
			{Op: patch.OpAppend, Path: "f.txt", Block: "first"},
			{Op: patch.OpReplaceBlock, Path: "f.txt", Start: 99, End: 99, Block: "x"},
			{Op: patch.OpAppend, Path: "f.txt", Block: "never"},
		},
	})

	if res.Success {
		t.Fatal("batch reported success despite failure")
	}
	if res.Succeeded != 1 || res.Failed != 1 || len(res.Operations) != 2 {
		t.Fatalf("counts wrong: %+v", res)
	}
	got := readTestFile(t, root, "f.txt")
	if !strings.Contains(got, "first") || strings.Contains(got, "never") {
		t.Errorf("fail-fast violated, file: %q", got)
	}
}

func TestWorker_DryRun(t *testing.T) {
	w, root := newTestWorker(t)
	writeTestFile(t, root, "f.txt", "original\n")

	res := w.Apply(&patch.Descriptor{
		PatchID:    "p-dry",
		DryRun:     true,
		Operations: []patch.Operation{{Op: patch.OpAppend, Path: "f.txt", Block: "added"}},
	})

	if !res.Success {
		t.Fatalf("dry run failed: %+v", res.Operations)
	}
	if res.Operations[0].Diff == "" {
		t.Error("dry run produced no diff")
	}
	if got := readTestFile(t, root, "f.txt"); got != "original\n" {
		t.Errorf("dry run wrote to disk: %q", got)
	}
}

func TestWorker_JSONOperations(t *testing.T) {
	w, root := newTestWorker(t)

	reset := func() {
		writeTestFile(t, root, "cfg.json", `{"name":"svc","limits":{"cpu":1},"tags":["a"]}`)
	}

	t.Run("add", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpAdd, File: "cfg.json", Path: "/limits/mem",
			Value: json.RawMessage(`512`),
		})
		if !res.Success {
			t.Fatalf("add failed: %+v", res.Operations)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(readTestFile(t, root, "cfg.json")), &doc); err != nil {
			t.Fatal(err)
		}
		limits := doc["limits"].(map[string]any)
		if limits["mem"] != float64(512) {
			t.Errorf("mem = %v, want 512", limits["mem"])
		}
	})

	t.Run("add appends to array", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpAdd, File: "cfg.json", Path: "/tags/-",
			Value: json.RawMessage(`"b"`),
		})
		if !res.Success {
			t.Fatalf("add failed: %+v", res.Operations)
		}
		if got := readTestFile(t, root, "cfg.json"); !strings.Contains(got, `["a","b"]`) {
			t.Errorf("array append failed: %s", got)
		}
	})

	t.Run("replace requires existing path", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpReplace, File: "cfg.json", Path: "/missing",
			Value: json.RawMessage(`1`),
		})
		if res.Success {
			t.Fatal("replace of missing path succeeded")
		}
	})

	t.Run("remove", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpRemove, File: "cfg.json", Path: "/limits/cpu",
		})
		if !res.Success {
			t.Fatalf("remove failed: %+v", res.Operations)
		}
		if got := readTestFile(t, root, "cfg.json"); strings.Contains(got, "cpu") {
			t.Errorf("cpu not removed: %s", got)
		}
	})

	t.Run("move", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpMove, File: "cfg.json", Path: "/title", From: "/name",
		})
		if !res.Success {
			t.Fatalf("move failed: %+v", res.Operations)
		}
		got := readTestFile(t, root, "cfg.json")
		if !strings.Contains(got, `"title":"svc"`) || strings.Contains(got, `"name"`) {
			t.Errorf("move result: %s", got)
		}
	})

	t.Run("copy", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpCopy, File: "cfg.json", Path: "/alias", From: "/name",
		})
		if !res.Success {
			t.Fatalf("copy failed: %+v", res.Operations)
		}
		got := readTestFile(t, root, "cfg.json")
		if !strings.Contains(got, `"alias":"svc"`) || !strings.Contains(got, `"name":"svc"`) {
			t.Errorf("copy result: %s", got)
		}
	})

	t.Run("test passes and fails", func(t *testing.T) {
		reset()
		res := applyOne(t, w, patch.Operation{
			Op: patch.OpTest, File: "cfg.json", Path: "/name",
			Value: json.RawMessage(`"svc"`),
		})
		if !res.Success {
			t.Fatalf("test op failed: %+v", res.Operations)
		}

		res = applyOne(t, w, patch.Operation{
			Op: patch.OpTest, File: "cfg.json", Path: "/name",
			Value: json.RawMessage(`"other"`),
		})
		if res.Success {
			t.Fatal("test op passed on mismatched value")
		}
	})
}

func TestUnifiedDiff(t *testing.T) {
	t.Run("no change yields empty diff", func(t *testing.T) {
		d, err := unifiedDiff("x.txt", "same\n", "same\n")
		if err != nil {
			t.Fatal(err)
		}
		if d != "" {
			t.Errorf("got diff for identical content:\n%s", d)
		}
	})

	t.Run("change yields hunk with context", func(t *testing.T) {
		orig := "a\nb\nc\nd\ne\nf\ng\n"
		upd := "a\nb\nc\nX\ne\nf\ng\n"
		d, err := unifiedDiff("x.txt", orig, upd)
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"--- a/x.txt", "+++ b/x.txt", "-d", "+X", " c"} {
			if !strings.Contains(d, want) {
				t.Errorf("diff missing %q:\n%s", want, d)
			}
		}
	})
}
