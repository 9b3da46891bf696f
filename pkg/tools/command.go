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
	"os/exec"
	"strings"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// CodeExecuteConfig restricts what the command runner may do.
type CodeExecuteConfig struct {
	AllowedCommands  []string
	WorkingDirectory string
	MaxExecutionTime time.Duration
}

type codeExecuteArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command to execute (supports pipes and redirects)"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Working directory (optional)"`
}

// CodeExecuteTool runs shell commands inside the configured working
// directory. When an allowlist is configured the base command of every
// pipeline segment must be on it.
type CodeExecuteTool struct {
	config CodeExecuteConfig
}

func NewCodeExecuteTool(cfg CodeExecuteConfig) *CodeExecuteTool {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "./"
	}
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = 30 * time.Second
	}
	return &CodeExecuteTool{config: cfg}
}

func (t *CodeExecuteTool) Info() ToolInfo {
	return ToolInfo{
		Name:             "code_execute",
		Description:      "Execute shell commands for file operations, system tasks, and development workflows",
		Parameters:       ReflectParameters(&codeExecuteArgs{}),
		Risk:             task.RiskHigh,
		RequiresApproval: true,
		Timeout:          t.config.MaxExecutionTime,
		Category:         "execution",
		Origin:           OriginBuiltin,
	}
}

func (t *CodeExecuteTool) Execute(ctx context.Context, args map[string]any) (task.ToolResult, error) {
	command := stringArg(args, "command")
	if command == "" {
		return task.ToolResult{Success: false, Error: "command parameter is required"}, nil
	}

	workingDir := stringArg(args, "working_dir")
	if workingDir == "" {
		workingDir = t.config.WorkingDirectory
	}

	if err := t.validateCommand(command); err != nil {
		return task.ToolResult{Success: false, Error: err.Error()}, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir

	output, err := cmd.CombinedOutput()
	result := task.ToolResult{
		Success: err == nil,
		Output:  string(output),
	}
	if err != nil {
		result.Error = err.Error()
		if exitError, ok := err.(*exec.ExitError); ok {
			result.Error = fmt.Sprintf("exit code %d: %v", exitError.ExitCode(), err)
		}
	}
	return result, nil
}

func (t *CodeExecuteTool) validateCommand(command string) error {
	if len(t.config.AllowedCommands) == 0 {
		return nil
	}

	// Every segment of a pipeline or chained command is checked; hiding a
	// disallowed command behind a pipe is not a bypass.
	segments := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	})
	for _, segment := range segments {
		fields := strings.Fields(strings.TrimSpace(segment))
		if len(fields) == 0 {
			continue
		}
		if !t.isAllowed(fields[0]) {
			return fmt.Errorf("command not allowed: %s (allowed: %v)",
				fields[0], t.config.AllowedCommands)
		}
	}
	return nil
}

func (t *CodeExecuteTool) isAllowed(base string) bool {
	for _, allowed := range t.config.AllowedCommands {
		if base == allowed {
			return true
		}
	}
	return false
}

var _ Tool = (*CodeExecuteTool)(nil)
