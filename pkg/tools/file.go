// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// FileToolConfig bounds the file tools to a working directory.
type FileToolConfig struct {
	WorkingDirectory  string
	MaxFileSize       int
	BackupOnOverwrite bool
	DeniedExtensions  []string
}

func (c *FileToolConfig) setDefaults() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = "./"
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 1048576
	}
}

// resolvePath rejects absolute paths and traversal, and anchors the result
// under the working directory.
func (c *FileToolConfig) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path parameter is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed, use relative paths")
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("directory traversal not allowed (..)")
	}

	absPath, err := filepath.Abs(filepath.Join(c.WorkingDirectory, cleaned))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	absWorkDir, err := filepath.Abs(c.WorkingDirectory)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	if !strings.HasPrefix(absPath, absWorkDir) {
		return "", fmt.Errorf("path escapes working directory")
	}

	ext := filepath.Ext(cleaned)
	for _, denied := range c.DeniedExtensions {
		if ext == denied {
			return "", fmt.Errorf("file extension %s is explicitly denied", ext)
		}
	}

	return absPath, nil
}

type fileWriteArgs struct {
	Path    string `json:"path" jsonschema:"description=File path relative to working directory"`
	Content string `json:"content" jsonschema:"description=Content to write to the file"`
	Backup  bool   `json:"backup,omitempty" jsonschema:"description=Create .bak backup if file exists (default true)"`
}

// FileWriteTool creates or overwrites files under the working directory.
type FileWriteTool struct {
	config FileToolConfig
}

func NewFileWriteTool(cfg FileToolConfig) *FileWriteTool {
	cfg.setDefaults()
	return &FileWriteTool{config: cfg}
}

func (t *FileWriteTool) Info() ToolInfo {
	return ToolInfo{
		Name:             "file_write",
		Description:      "Create a new file or overwrite an existing file with content. Supports backups and safety checks.",
		Parameters:       ReflectParameters(&fileWriteArgs{}),
		Risk:             task.RiskMedium,
		RequiresApproval: true,
		Category:         "filesystem",
		ContextKeys:      []string{ContextKeyWorkspace},
		Origin:           OriginBuiltin,
	}
}

func (t *FileWriteTool) Execute(_ context.Context, args map[string]any) (task.ToolResult, error) {
	path := stringArg(args, "path")
	content, ok := args["content"].(string)
	if !ok {
		return task.ToolResult{Success: false, Error: "content parameter is required"}, nil
	}
	backup := boolArg(args, "backup", true)

	fullPath, err := t.config.resolvePath(path)
	if err != nil {
		return task.ToolResult{Success: false, Error: err.Error()}, nil
	}

	if len(content) > t.config.MaxFileSize {
		return task.ToolResult{
			Success: false,
			Error: fmt.Sprintf("content too large: %d bytes (max: %d)",
				len(content), t.config.MaxFileSize),
		}, nil
	}

	fileExisted := false
	if backup && t.config.BackupOnOverwrite {
		if _, statErr := os.Stat(fullPath); statErr == nil {
			fileExisted = true
			if copyErr := copyFile(fullPath, fullPath+".bak"); copyErr != nil {
				return task.ToolResult{
					Success: false,
					Error:   fmt.Sprintf("failed to create backup: %v", copyErr),
				}, nil
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return task.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("failed to create directory: %v", err),
		}, nil
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return task.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("failed to write file: %v", err),
		}, nil
	}

	action := "created"
	if fileExisted {
		action = "overwritten"
	}
	message := fmt.Sprintf("File %s successfully: %s (%d bytes)", action, path, len(content))
	if fileExisted {
		message += fmt.Sprintf("\nBackup created: %s.bak", path)
	}
	return task.ToolResult{Success: true, Output: message}, nil
}

type fileReadArgs struct {
	Path      string `json:"path" jsonschema:"description=File path relative to working directory"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to return (1-based, optional)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to return (inclusive, optional)"`
}

// FileReadTool reads files under the working directory, optionally a line
// range.
type FileReadTool struct {
	config FileToolConfig
}

func NewFileReadTool(cfg FileToolConfig) *FileReadTool {
	cfg.setDefaults()
	return &FileReadTool{config: cfg}
}

func (t *FileReadTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "file_read",
		Description: "Read a file from the workspace, optionally restricted to a line range",
		Parameters:  ReflectParameters(&fileReadArgs{}),
		Risk:        task.RiskLow,
		Category:    "filesystem",
		ContextKeys: []string{ContextKeyWorkspace},
		Origin:      OriginBuiltin,
	}
}

func (t *FileReadTool) Execute(_ context.Context, args map[string]any) (task.ToolResult, error) {
	fullPath, err := t.config.resolvePath(stringArg(args, "path"))
	if err != nil {
		return task.ToolResult{Success: false, Error: err.Error()}, nil
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return task.ToolResult{Success: false, Error: fmt.Sprintf("cannot read file: %v", err)}, nil
	}
	if info.Size() > int64(t.config.MaxFileSize) {
		return task.ToolResult{
			Success: false,
			Error: fmt.Sprintf("file too large: %d bytes (max: %d)",
				info.Size(), t.config.MaxFileSize),
		}, nil
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return task.ToolResult{Success: false, Error: fmt.Sprintf("cannot read file: %v", err)}, nil
	}

	content := string(data)
	startLine := intArg(args, "start_line")
	endLine := intArg(args, "end_line")
	if startLine > 0 || endLine > 0 {
		lines := strings.Split(content, "\n")
		if startLine < 1 {
			startLine = 1
		}
		if endLine < 1 || endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > len(lines) {
			return task.ToolResult{
				Success: false,
				Error:   fmt.Sprintf("start_line %d beyond end of file (%d lines)", startLine, len(lines)),
			}, nil
		}
		content = strings.Join(lines[startLine-1:endLine], "\n")
	}

	return task.ToolResult{Success: true, Output: content}, nil
}

// intArg accepts both float64 (JSON numbers) and int.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

var (
	_ Tool = (*FileWriteTool)(nil)
	_ Tool = (*FileReadTool)(nil)
)
