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

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

// waitForApproval suspends the task until a human resolves the request or it
// expires. Resolution is enforced in the store: only the task owner, at most
// once. The loop only polls the outcome.
func (l *Loop) waitForApproval(ctx context.Context, t *task.Task, step *task.Step, call task.ToolCall, risk task.RiskLevel, reason string) (bool, error) {
	approval := task.NewApproval(t.ID, t.Workspace, call, risk, reason, l.cfg.ApprovalTTL)
	if l.stor != nil {
		if err := l.stor.SaveApproval(ctx, approval); err != nil {
			return false, fmt.Errorf("persisting approval request: %w", err)
		}
	}
	if err := t.Transition(task.StatusWaitingApproval); err != nil {
		return false, err
	}
	l.save(ctx, t)
	l.emit(task.Event{
		Type:       task.EventApprovalNeeded,
		TaskID:     t.ID,
		StepID:     step.ID,
		ToolName:   call.Name,
		ToolArgs:   serializeArgs(call.Arguments),
		ApprovalID: approval.ID,
		Content:    reason,
	})

	status, err := l.pollApproval(ctx, approval)
	if err != nil {
		return false, err
	}

	if transErr := t.Transition(task.StatusExecuting); transErr != nil {
		return false, transErr
	}
	l.save(ctx, t)

	approved := status == task.ApprovalApproved
	if l.memory != nil && status != task.ApprovalExpired {
		l.memory.Record(t.Workspace, call.Name, call.Arguments, approved)
	}
	l.emit(task.Event{Type: task.EventThinking, TaskID: t.ID, StepID: step.ID,
		Content: fmt.Sprintf("Approval for %s resolved: %s", call.Name, status)})
	return approved, nil
}

// pollApproval watches the request until it leaves pending. Expiry is
// pull-checked here so an abandoned request cannot hang the task past its
// deadline.
func (l *Loop) pollApproval(ctx context.Context, approval *task.ApprovalRequest) (task.ApprovalStatus, error) {
	if l.stor == nil {
		// Nothing can resolve an unpersisted request.
		return task.ApprovalDenied, nil
	}

	ticker := time.NewTicker(l.cfg.ApprovalPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		current, err := l.stor.GetApproval(ctx, approval.ID)
		if err != nil {
			logger.GetLogger().Warn("Approval poll failed", "approval_id", approval.ID, "error", err)
			continue
		}
		if current.Status.IsResolved() {
			return current.Status, nil
		}
		if current.Expired(l.now()) {
			current.Status = task.ApprovalExpired
			current.ResolvedAt = l.now().UTC()
			if err := l.stor.SaveApproval(ctx, current); err != nil {
				logger.GetLogger().Warn("Failed to expire approval", "approval_id", approval.ID, "error", err)
			}
			return task.ApprovalExpired, nil
		}
	}
}

// askHuman handles the ask_human control tool: it rides the approval
// machinery, so the question lands in the same queue humans already watch.
func (l *Loop) askHuman(ctx context.Context, t *task.Task, step *task.Step, call task.ToolCall) (task.ToolResult, error) {
	question := stringArg(call.Arguments, "question")
	approved, err := l.waitForApproval(ctx, t, step, call, task.RiskLow, "Agent question: "+question)
	if err != nil {
		return task.ToolResult{}, err
	}
	if approved {
		return task.ToolResult{
			CallID:  call.ID,
			Success: true,
			Output:  fmt.Sprintf("user acknowledged: %s", question),
		}, nil
	}
	return task.ToolResult{
		CallID:  call.ID,
		Success: false,
		Error:   "user declined or did not answer in time",
	}, nil
}
