package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/toolcall"
)

func testDispatcher(t *testing.T) *workspaceDispatcher {
	t.Helper()
	d, err := newWorkspaceDispatcher(t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("newWorkspaceDispatcher: %v", err)
	}
	return d
}

func call(name string, args map[string]any) toolcall.Call {
	return toolcall.Call{Name: name, Arguments: args}
}

func TestWorkspaceWriteThenRead(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	w := d.Dispatch(ctx, call("write_file", map[string]any{
		"path":    "pkg/util/helper.go",
		"content": "package util\n",
	}))
	if w.IsError {
		t.Fatalf("write failed: %s", w.Content)
	}
	if len(w.FilesChanged) != 1 || w.FilesChanged[0] != filepath.Join("pkg", "util", "helper.go") {
		t.Errorf("FilesChanged = %v", w.FilesChanged)
	}

	r := d.Dispatch(ctx, call("read_file", map[string]any{"path": "pkg/util/helper.go"}))
	if r.IsError {
		t.Fatalf("read failed: %s", r.Content)
	}
	if r.Content != "package util\n" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestWorkspaceReadMissing(t *testing.T) {
	d := testDispatcher(t)
	r := d.Dispatch(context.Background(), call("read_file", map[string]any{"path": "no-such-file.txt"}))
	if !r.IsError {
		t.Error("reading a missing file should report an error")
	}
}

func TestWorkspacePathEscape(t *testing.T) {
	d := testDispatcher(t)
	for _, path := range []string{"../outside.txt", "a/../../etc/passwd"} {
		r := d.Dispatch(context.Background(), call("read_file", map[string]any{"path": path}))
		if !r.IsError || !strings.Contains(r.Content, "escapes") {
			t.Errorf("path %q should be rejected, got %+v", path, r)
		}
	}
}

func TestWorkspaceSearch(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	files := map[string]string{
		"main.go":      "package main\n\nfunc main() {}\n",
		"util/util.go": "package util\n\n// helper code\nfunc Helper() {}\n",
	}
	for path, content := range files {
		if r := d.Dispatch(ctx, call("write_file", map[string]any{"path": path, "content": content})); r.IsError {
			t.Fatalf("write %s: %s", path, r.Content)
		}
	}

	r := d.Dispatch(ctx, call("search", map[string]any{"query": "Helper"}))
	if r.IsError {
		t.Fatalf("search failed: %s", r.Content)
	}
	if !strings.Contains(r.Content, filepath.Join("util", "util.go")+":4:") {
		t.Errorf("search output missing match location:\n%s", r.Content)
	}
	if strings.Contains(r.Content, "main.go") {
		t.Errorf("search matched the wrong file:\n%s", r.Content)
	}

	none := d.Dispatch(ctx, call("search", map[string]any{"query": "zebra"}))
	if none.IsError || !strings.Contains(none.Content, "no matches") {
		t.Errorf("empty search = %+v", none)
	}
}

func TestWorkspaceRun(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	ok := d.Dispatch(ctx, call("run", map[string]any{"command": "echo hello"}))
	if ok.IsError || ok.Content != "hello" {
		t.Errorf("echo = %+v", ok)
	}

	fail := d.Dispatch(ctx, call("run", map[string]any{"command": "exit 3"}))
	if !fail.IsError {
		t.Error("failing command should report an error")
	}
	if fail.TimedOut {
		t.Error("failing command should not count as a timeout")
	}
}

func TestWorkspaceRunTimeout(t *testing.T) {
	d, err := newWorkspaceDispatcher(t.TempDir(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("newWorkspaceDispatcher: %v", err)
	}
	r := d.Dispatch(context.Background(), call("run", map[string]any{"command": "sleep 5"}))
	if !r.TimedOut || !r.IsError {
		t.Errorf("expected a timeout, got %+v", r)
	}
	if !strings.Contains(r.Content, "timed out") {
		t.Errorf("content = %q", r.Content)
	}
}

func TestWorkspaceUnknownTool(t *testing.T) {
	d := testDispatcher(t)
	r := d.Dispatch(context.Background(), call("teleport", nil))
	if !r.IsError || !strings.Contains(r.Content, "unknown tool") {
		t.Errorf("unknown tool = %+v", r)
	}
}

func TestWorkspaceSearchSkipsHiddenDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "config"), []byte("needle"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "visible.txt"), []byte("needle"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := newWorkspaceDispatcher(root, 5*time.Second)
	if err != nil {
		t.Fatalf("newWorkspaceDispatcher: %v", err)
	}
	r := d.Dispatch(context.Background(), call("search", map[string]any{"query": "needle"}))
	if strings.Contains(r.Content, ".git") {
		t.Errorf("search descended into .git:\n%s", r.Content)
	}
	if !strings.Contains(r.Content, "visible.txt") {
		t.Errorf("search missed the visible file:\n%s", r.Content)
	}
}
