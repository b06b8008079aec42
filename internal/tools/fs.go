package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fsMaxRead = 256 * 1024

// NewReadFileTool reads a file inside the workspace.
func NewReadFileTool(workspace string) Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a text file from the workspace",
		Permission:  PermRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path, relative to the workspace"},
			},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			path, _ := inv.Input["path"].(string)
			resolved, err := resolveInWorkspace(path, workspace)
			if err != nil {
				return ErrorResult(err.Error())
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return ErrorResult("read: " + err.Error())
			}
			if len(data) > fsMaxRead {
				return NewResult(string(data[:fsMaxRead]) + "\n[file truncated]")
			}
			return NewResult(string(data))
		},
	}
}

// NewWriteFileTool writes a file inside the workspace, creating parent
// directories as needed.
func NewWriteFileTool(workspace string) Definition {
	return Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, replacing it if it exists",
		Permission:  PermWrite,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "File path, relative to the workspace"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required":             []any{"path", "content"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			path, _ := inv.Input["path"].(string)
			content, _ := inv.Input["content"].(string)
			resolved, err := resolveInWorkspace(path, workspace)
			if err != nil {
				return ErrorResult(err.Error())
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return ErrorResult("mkdir: " + err.Error())
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return ErrorResult("write: " + err.Error())
			}
			return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
		},
	}
}

// NewListDirTool lists a workspace directory.
func NewListDirTool(workspace string) Definition {
	return Definition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory",
		Permission:  PermRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path, relative to the workspace; defaults to the root"},
			},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			path, _ := inv.Input["path"].(string)
			if path == "" {
				path = "."
			}
			resolved, err := resolveInWorkspace(path, workspace)
			if err != nil {
				return ErrorResult(err.Error())
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				return ErrorResult("list: " + err.Error())
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return NewResult("(empty directory)")
			}
			return NewResult(strings.Join(names, "\n"))
		},
	}
}
