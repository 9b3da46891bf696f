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

	"github.com/kestrel-ai/kestrel/pkg/task"
)

// Control tool names. The agent loop intercepts these before dispatch:
// task_complete and step_complete close out work, ask_human suspends the
// loop pending a user reply.
const (
	ToolTaskComplete = "task_complete"
	ToolStepComplete = "step_complete"
	ToolAskHuman     = "ask_human"
)

type taskCompleteArgs struct {
	Result string `json:"result" jsonschema:"description=Final answer or summary of what was accomplished"`
}

type stepCompleteArgs struct {
	Result string `json:"result" jsonschema:"description=Outcome of the current step"`
}

type askHumanArgs struct {
	Question string `json:"question" jsonschema:"description=Question to ask the user"`
}

// ControlTool is a loop-intercepted marker tool. Execute only echoes the
// payload back; the loop acts on the call before it ever reaches dispatch.
type ControlTool struct {
	info     ToolInfo
	resultOf func(args map[string]any) string
}

func (t *ControlTool) Info() ToolInfo { return t.info }

func (t *ControlTool) Execute(_ context.Context, args map[string]any) (task.ToolResult, error) {
	return task.ToolResult{
		Success: true,
		Output:  t.resultOf(args),
	}, nil
}

// NewTaskCompleteTool signals that the overall goal is achieved.
func NewTaskCompleteTool() *ControlTool {
	return &ControlTool{
		info: ToolInfo{
			Name:        ToolTaskComplete,
			Description: "Declare the task finished and provide the final result. Call this once the goal is fully accomplished.",
			Parameters:  ReflectParameters(&taskCompleteArgs{}),
			Risk:        task.RiskLow,
			Category:    "control",
			Origin:      OriginControl,
		},
		resultOf: func(args map[string]any) string {
			return stringArg(args, "result")
		},
	}
}

// NewStepCompleteTool signals that the current plan step is done.
func NewStepCompleteTool() *ControlTool {
	return &ControlTool{
		info: ToolInfo{
			Name:        ToolStepComplete,
			Description: "Mark the current step complete and record its outcome before moving on.",
			Parameters:  ReflectParameters(&stepCompleteArgs{}),
			Risk:        task.RiskLow,
			Category:    "control",
			Origin:      OriginControl,
		},
		resultOf: func(args map[string]any) string {
			return stringArg(args, "result")
		},
	}
}

// NewAskHumanTool suspends the loop until the user answers.
func NewAskHumanTool() *ControlTool {
	return &ControlTool{
		info: ToolInfo{
			Name:        ToolAskHuman,
			Description: "Ask the user a clarifying question when the task cannot proceed without their input.",
			Parameters:  ReflectParameters(&askHumanArgs{}),
			Risk:        task.RiskLow,
			Category:    "control",
			Origin:      OriginControl,
		},
		resultOf: func(args map[string]any) string {
			return fmt.Sprintf("question sent to user: %s", stringArg(args, "question"))
		},
	}
}

// ControlToolNames lists the always-available control tools, in the order the
// tool selector pins them.
func ControlToolNames() []string {
	return []string{ToolAskHuman, ToolTaskComplete, ToolStepComplete}
}
