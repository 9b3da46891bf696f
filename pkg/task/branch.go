package task

import (
	"time"

	"github.com/google/uuid"
)

// BranchStatus is the lifecycle state of a time-travel fork.
type BranchStatus string

const (
	BranchActive    BranchStatus = "active"
	BranchComplete  BranchStatus = "complete"
	BranchAbandoned BranchStatus = "abandoned"
)

// Branch is a fork of a task from a prior checkpoint, used to explore
// alternatives. Branches never mutate sibling branches' state.
type Branch struct {
	ID               string       `json:"id"`
	TaskID           string       `json:"task_id"`
	Name             string       `json:"name"`
	ParentBranch     string       `json:"parent_branch,omitempty"`
	ForkCheckpointID string       `json:"fork_checkpoint_id,omitempty"`
	ForkStepIndex    int          `json:"fork_step_index"`
	Status           BranchStatus `json:"status"`
	StrategyHint     string       `json:"strategy_hint,omitempty"`
	OutcomeSummary   string       `json:"outcome_summary,omitempty"`
	ToolCalls        int          `json:"tool_calls"`
	TokensUsed       int          `json:"tokens_used"`
	CreatedAt        time.Time    `json:"created_at"`
}

// NewBranch forks a task at the given step index.
func NewBranch(taskID, name string, forkStepIndex int) *Branch {
	return &Branch{
		ID:            uuid.New().String(),
		TaskID:        taskID,
		Name:          name,
		ForkStepIndex: forkStepIndex,
		Status:        BranchActive,
		CreatedAt:     time.Now().UTC(),
	}
}
