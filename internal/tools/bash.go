package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Dangerous command patterns denied regardless of what the model asks for.
var bashDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`^\s*env\s*($|\|)`),
	regexp.MustCompile(`\bprintenv\b`),
}

const bashMaxOutput = 64 * 1024

// NewBashTool returns the shell tool. Commands run with the workspace as
// the working directory; relative working_dir overrides stay inside it.
func NewBashTool(workspace string) Definition {
	return Definition{
		Name:        "bash",
		Description: "Execute a shell command in the workspace and return its output",
		Permission:  PermExec,
		Timeout:     2 * time.Minute,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Optional working directory, relative to the workspace",
				},
			},
			"required":             []any{"command"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			command, _ := inv.Input["command"].(string)
			if command == "" {
				return ErrorResult("command is required")
			}
			for _, pattern := range bashDenyPatterns {
				if pattern.MatchString(command) {
					return ErrorResult("command denied by safety policy: matches " + pattern.String())
				}
			}

			cwd := workspace
			if wd, _ := inv.Input["working_dir"].(string); wd != "" {
				resolved, err := resolveInWorkspace(wd, workspace)
				if err != nil {
					return ErrorResult(err.Error())
				}
				cwd = resolved
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = cwd
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()

			out := stdout.String()
			if stderr.Len() > 0 {
				if out != "" {
					out += "\n"
				}
				out += "STDERR:\n" + stderr.String()
			}
			if len(out) > bashMaxOutput {
				out = out[:bashMaxOutput] + "\n[output truncated]"
			}

			if err != nil {
				if ctx.Err() == context.DeadlineExceeded {
					return ErrorResult("command timed out")
				}
				if out == "" {
					out = err.Error()
				}
				return ErrorResult(out)
			}
			if out == "" {
				out = "(command completed with no output)"
			}
			return NewResult(out)
		},
	}
}

// resolveInWorkspace resolves a possibly-relative path and rejects escapes
// outside the workspace root.
func resolveInWorkspace(path, workspace string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	root := filepath.Clean(workspace)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return resolved, nil
}
