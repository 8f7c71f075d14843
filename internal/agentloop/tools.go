package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// Tool names
const (
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolListFiles  = "list_files"
	ToolRunCommand = "run_command"
)

const (
	maxToolOutput  = 30000
	commandTimeout = 2 * time.Minute
)

// ToolDefinitions returns the tool schemas sent with every request.
func ToolDefinitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        ToolReadFile,
				Description: anthropic.String("Read a file from the worktree. Paths are relative to the worktree root."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{"type": "string", "description": "File path relative to the worktree"},
					},
					Required: []string{"path"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        ToolWriteFile,
				Description: anthropic.String("Write a file in the worktree, creating parent directories."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path":    map[string]interface{}{"type": "string", "description": "File path relative to the worktree"},
						"content": map[string]interface{}{"type": "string", "description": "Full file content"},
					},
					Required: []string{"path", "content"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        ToolListFiles,
				Description: anthropic.String("List files under a directory of the worktree."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{"type": "string", "description": "Directory relative to the worktree, default root"},
					},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        ToolRunCommand,
				Description: anthropic.String("Run a shell command in the worktree, e.g. tests, git commit, gh pr create."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command": map[string]interface{}{"type": "string", "description": "Shell command"},
					},
					Required: []string{"command"},
				},
			},
		},
	}
}

// ToolResult is the output of one tool call.
type ToolResult struct {
	Content string
	IsError bool
}

type toolExecutor struct {
	workDir string
}

func newToolExecutor(workDir string) *toolExecutor {
	return &toolExecutor{workDir: workDir}
}

var dangerousCommand = regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f|\bsudo\b|git\s+push\s+.*(--force|-f\b)|git\s+reset\s+--hard|\bmkfs\b|>\s*/dev/`)

// confirmation describes a tool call that needs approval, or returns nil
// for read-only tools.
func (e *toolExecutor) confirmation(name string, input json.RawMessage) *ipcprotocol.ToolConfirmation {
	switch name {
	case ToolWriteFile:
		var p struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		_ = json.Unmarshal(input, &p)
		return &ipcprotocol.ToolConfirmation{
			ToolName:    name,
			Input:       input,
			Description: fmt.Sprintf("Write %d bytes to %s", len(p.Content), p.Path),
		}
	case ToolRunCommand:
		var p struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(input, &p)
		conf := &ipcprotocol.ToolConfirmation{
			ToolName:    name,
			Input:       input,
			Description: "Run: " + p.Command,
		}
		if dangerousCommand.MatchString(p.Command) {
			conf.IsDangerous = true
			conf.DangerReason = "command can destroy data or rewrite history"
		}
		return conf
	}
	return nil
}

func (e *toolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	switch name {
	case ToolReadFile:
		return e.execRead(input)
	case ToolWriteFile:
		return e.execWrite(input)
	case ToolListFiles:
		return e.execList(input)
	case ToolRunCommand:
		return e.execCommand(ctx, input)
	default:
		return ToolResult{Content: fmt.Sprintf("Unknown tool: %s", name), IsError: true}
	}
}

// resolvePath maps a tool path into the worktree and refuses anything that
// escapes it.
func (e *toolExecutor) resolvePath(path string) (string, error) {
	if path == "" {
		path = "."
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(e.workDir, path)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(e.workDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the worktree", path)
	}
	return full, nil
}

func (e *toolExecutor) execRead(input json.RawMessage) ToolResult {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}
	path, err := e.resolvePath(p.Path)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Error reading file: %v", err), IsError: true}
	}
	return ToolResult{Content: truncateOutput(string(data))}
}

func (e *toolExecutor) execWrite(input json.RawMessage) ToolResult {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}
	path, err := e.resolvePath(p.Path)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ToolResult{Content: fmt.Sprintf("Error creating directory: %v", err), IsError: true}
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return ToolResult{Content: fmt.Sprintf("Error writing file: %v", err), IsError: true}
	}
	return ToolResult{Content: fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), p.Path)}
}

func (e *toolExecutor) execList(input json.RawMessage) ToolResult {
	var p struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &p); err != nil {
			return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
		}
	}
	root, err := e.resolvePath(p.Path)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(e.workDir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		if len(files) >= 1000 {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Error listing files: %v", err), IsError: true}
	}
	sort.Strings(files)
	return ToolResult{Content: strings.Join(files, "\n")}
}

func (e *toolExecutor) execCommand(ctx context.Context, input json.RawMessage) ToolResult {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}
	if strings.TrimSpace(p.Command) == "" {
		return ToolResult{Content: "command is required", IsError: true}
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = e.workDir
	out, err := cmd.CombinedOutput()
	content := truncateOutput(string(out))
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("%s\nExit error: %v", content, err), IsError: true}
	}
	return ToolResult{Content: content}
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// findPRURL returns the last pull request URL printed in s.
func findPRURL(s string) string {
	matches := prURLPattern.FindAllString(s, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}
