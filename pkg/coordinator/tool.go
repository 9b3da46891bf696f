package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// Tool names intercepted by the loop and routed to the coordinator.
const (
	ToolDelegate         = "delegate"
	ToolDelegateParallel = "delegate_parallel"
)

type delegateArgs struct {
	Goal       string `json:"goal" jsonschema:"description=The sub-goal to hand to the specialist"`
	Specialist string `json:"specialist" jsonschema:"description=Specialist to delegate to: researcher, coder, analyst, reviewer, or explorer"`
}

type delegateParallelArgs struct {
	Children []ChildSpec `json:"children" jsonschema:"description=Up to five {goal, specialist} delegations to run concurrently"`
}

// delegationTool is a schema holder: the loop intercepts OriginAgent calls
// and routes them to the Coordinator, which needs the parent task.
type delegationTool struct {
	info tools.ToolInfo
}

func (t *delegationTool) Info() tools.ToolInfo { return t.info }

func (t *delegationTool) Execute(_ context.Context, _ map[string]any) (task.ToolResult, error) {
	return task.ToolResult{
		Success: false,
		Error:   fmt.Sprintf("%s is dispatched by the agent loop", t.info.Name),
	}, nil
}

// NewDelegateTool describes single delegation to the LLM.
func NewDelegateTool() tools.Tool {
	return &delegationTool{info: tools.ToolInfo{
		Name: ToolDelegate,
		Description: "Delegate a sub-goal to a specialist agent (" +
			strings.Join(SpecialistNames(), ", ") + ") and wait for its result",
		Parameters: tools.ReflectParameters(delegateArgs{}),
		Risk:       task.RiskMedium,
		Timeout:    childWallTimeCap + time.Minute,
		Category:   "delegation",
		Origin:     tools.OriginAgent,
	}}
}

// NewDelegateParallelTool describes parallel delegation to the LLM.
func NewDelegateParallelTool() tools.Tool {
	return &delegationTool{info: tools.ToolInfo{
		Name:        ToolDelegateParallel,
		Description: "Delegate up to five independent sub-goals to specialist agents concurrently",
		Parameters:  tools.ReflectParameters(delegateParallelArgs{}),
		Risk:        task.RiskMedium,
		Timeout:     childWallTimeCap + time.Minute,
		Category:    "delegation",
		Origin:      tools.OriginAgent,
	}}
}

// RegisterDelegationTools adds both delegation tools to the registry.
func RegisterDelegationTools(registry *tools.Registry) error {
	for _, t := range []tools.Tool{NewDelegateTool(), NewDelegateParallelTool()} {
		if err := registry.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}
