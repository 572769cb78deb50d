package agents

import (
	"context"
	"fmt"
)

// MockAgent is a deterministic stand-in for a real agent, registered under
// each step's own agent_type (by default, or via manifest kind "mock") so the
// registry (and dev/test deployments) can run the full sequence without any
// external binaries installed. Its Execute(Input)
// -> Output shape mirrors a reference MockAgent pattern for in-process test
// doubles of external callable steps.
type MockAgent struct {
	// StepName labels the artifact/summary this instance produces, e.g. "plan".
	StepName string
}

var _ Agent = (*MockAgent)(nil)

// Execute returns a successful Output with one synthetic artifact, typed
// after StepName so test fixtures can assert on artifact.Type downstream.
func (a *MockAgent) Execute(ctx context.Context, in Input) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	return Output{
		Success: true,
		Summary: fmt.Sprintf("mock %s step completed for workflow %d", a.StepName, in.WorkflowID),
		Artifacts: []Artifact{{
			Type:    artifactTypeForStep(a.StepName),
			Content: fmt.Sprintf("mock output of %s for %q", a.StepName, in.TaskDescription),
		}},
	}, nil
}

func artifactTypeForStep(step string) string {
	switch step {
	case "plan":
		return "plan"
	case "test":
		return "test"
	case "review":
		return "review"
	case "document":
		return "doc"
	default:
		return "code"
	}
}
