package main

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/loop"
	"github.com/droverhq/drover/toolcall"
)

const (
	searchMaxMatches  = 100
	searchMaxFileSize = 1 << 20
)

// workspaceDispatcher executes tool calls against a directory tree. Paths are
// confined to the root; commands run with the root as working directory.
type workspaceDispatcher struct {
	root    string
	timeout time.Duration
}

func newWorkspaceDispatcher(root string, timeout time.Duration) (*workspaceDispatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &workspaceDispatcher{root: abs, timeout: timeout}, nil
}

// Tools describes the dispatcher's surface for native function calling.
func (d *workspaceDispatcher) Tools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Workspace-relative file path"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Create or replace a file in the workspace",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Workspace-relative file path"},
					"content": map[string]any{"type": "string", "description": "Full file content"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "search",
			Description: "Search workspace files for a substring",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Text to look for"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "run",
			Description: "Run a shell command in the workspace",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Command line passed to sh -c"},
				},
				"required": []string{"command"},
			},
		},
	}
}

// Names lists the tool names, for call extraction gating.
func (d *workspaceDispatcher) Names() []string {
	defs := d.Tools()
	names := make([]string, len(defs))
	for i, t := range defs {
		names[i] = t.Name
	}
	return names
}

func (d *workspaceDispatcher) Dispatch(ctx context.Context, call toolcall.Call) loop.Result {
	switch call.Name {
	case "read_file":
		return d.readFile(call.Arguments)
	case "write_file":
		return d.writeFile(call.Arguments)
	case "search":
		return d.search(call.Arguments)
	case "run":
		return d.runCommand(ctx, call.Arguments)
	default:
		return errResult(call.Name, fmt.Sprintf("unknown tool %q", call.Name))
	}
}

func (d *workspaceDispatcher) readFile(args map[string]any) loop.Result {
	rel := argString(args, "path", "file", "file_path")
	abs, err := d.resolve(rel)
	if err != nil {
		return errResult("read_file", err.Error())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return errResult("read_file", err.Error())
	}
	return loop.Result{Name: "read_file", Content: string(data)}
}

func (d *workspaceDispatcher) writeFile(args map[string]any) loop.Result {
	rel := argString(args, "path", "file", "file_path")
	abs, err := d.resolve(rel)
	if err != nil {
		return errResult("write_file", err.Error())
	}
	content, ok := args["content"].(string)
	if !ok {
		return errResult("write_file", "content argument is required")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errResult("write_file", err.Error())
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return errResult("write_file", err.Error())
	}
	clean := filepath.Clean(rel)
	return loop.Result{
		Name:         "write_file",
		Content:      fmt.Sprintf("wrote %s (%d bytes)", clean, len(content)),
		FilesChanged: []string{clean},
	}
}

func (d *workspaceDispatcher) search(args map[string]any) loop.Result {
	query := argString(args, "query", "pattern", "q")
	if query == "" {
		return errResult("search", "query argument is required")
	}

	var matches []string
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := entry.Name()
		if entry.IsDir() {
			if path != d.root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= searchMaxMatches {
			return filepath.SkipAll
		}
		if info, err := entry.Info(); err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, _ := filepath.Rel(d.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= searchMaxMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return errResult("search", err.Error())
	}
	if len(matches) == 0 {
		return loop.Result{Name: "search", Content: fmt.Sprintf("no matches for %q", query)}
	}
	return loop.Result{Name: "search", Content: strings.Join(matches, "\n")}
}

func (d *workspaceDispatcher) runCommand(ctx context.Context, args map[string]any) loop.Result {
	command := argString(args, "command", "cmd")
	if command == "" {
		return errResult("run", "command argument is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = d.root
	out, err := cmd.CombinedOutput()
	content := strings.TrimSpace(string(out))

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		if content != "" {
			content += "\n"
		}
		return loop.Result{
			Name:     "run",
			Content:  content + fmt.Sprintf("command timed out after %s", d.timeout),
			IsError:  true,
			TimedOut: true,
		}
	}
	if err != nil {
		if content != "" {
			content += "\n"
		}
		return loop.Result{Name: "run", Content: content + err.Error(), IsError: true}
	}
	if content == "" {
		content = "(no output)"
	}
	return loop.Result{Name: "run", Content: content}
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// anything that escapes the root.
func (d *workspaceDispatcher) resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path argument is required")
	}
	abs := filepath.Join(d.root, rel)
	if abs != d.root && !strings.HasPrefix(abs, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func errResult(name, msg string) loop.Result {
	return loop.Result{Name: name, Content: msg, IsError: true}
}
