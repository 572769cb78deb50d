// Package events provides event types and utilities for the orchestrator's
// workflow-lifecycle event bus.
package events

import "strconv"

// Event types for the workflow lifecycle.
const (
	WorkflowUpdated  = "workflow:updated"
	WorkflowPaused   = "workflow:paused"
	WorkflowUnpaused = "workflow:unpaused"
	WorkflowFailed   = "workflow:failed"
	WorkflowRewound  = "workflow:rewound"
)

// Event types for agent executions and their output.
const (
	AgentUpdated    = "agent:updated"
	ArtifactCreated = "artifact:created"
	MessageNew      = "message:new"
)

// BuildWorkflowSubject returns the subscribable subject for workflowID,
// "workflow-<id>".
func BuildWorkflowSubject(workflowID int64) string {
	return "workflow-" + strconv.FormatInt(workflowID, 10)
}
