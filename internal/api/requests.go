package api

import "github.com/kandev/orchestrator/internal/store"

// CreateWorkflowRequest is the body of POST /workflows/manual.
type CreateWorkflowRequest struct {
	WorkflowType    store.WorkflowType `json:"workflowType" binding:"required"`
	TargetModule    string             `json:"targetModule" binding:"required"`
	TaskDescription string             `json:"taskDescription" binding:"required"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// PauseRequest is the body of POST /workflows/:id/pause.
type PauseRequest struct {
	Reason string `json:"reason"`
}

// ForceFailRequest is the body of POST /workflows/:id/force-fail.
type ForceFailRequest struct {
	Reason string `json:"reason"`
}

// CreateMessageRequest is the body of POST /workflows/:id/messages.
type CreateMessageRequest struct {
	Content    string           `json:"content" binding:"required"`
	ActionType store.ActionType `json:"actionType,omitempty"`
}

// ResumeFromCheckpointRequest is the body of
// POST /workflows/:id/resume-from-checkpoint.
type ResumeFromCheckpointRequest struct {
	CheckpointWorkflowID *int64 `json:"checkpointWorkflowId,omitempty"`
}
