// Package agents replaces dynamic, path-based agent loading with a small
// Agent interface plus a registry mapping agent_type strings to
// implementations, populated once at process start from a configuration
// list rather than discovered at runtime.
package agents

import "context"

// Artifact is what an Agent hands back for AgentRunner to persist, mirroring
// the Store's Artifact entity minus the fields the Store assigns itself.
type Artifact struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath,omitempty"`
	Content  string `json:"content"`
}

// Input is the opaque invocation record passed to every agent step.
type Input struct {
	WorkflowID          int64      `json:"workflowId"`
	WorkingDir          string     `json:"workingDir"`
	TaskDescription     string     `json:"taskDescription"`
	TargetModule        string     `json:"targetModule"`
	PriorArtifacts      []Artifact `json:"priorArtifacts,omitempty"`
	PendingInstructions []string   `json:"pendingInstructions,omitempty"`
}

// Output is what an agent step returns: success, a human-readable summary,
// and any artifacts produced.
type Output struct {
	Success   bool       `json:"success"`
	Summary   string     `json:"summary"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Agent is the opaque callable boundary: the individual agents
// (plan/code/test/review/document/etc.) are treated as opaque executables
// invoked with an input record and returning {success, artifacts, summary}.
type Agent interface {
	Execute(ctx context.Context, in Input) (Output, error)
}
