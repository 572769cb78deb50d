// Package store defines the typed persistence facade over the orchestrator's
// relational schema: workflows, queue entries, agent executions, artifacts,
// messages, and logs.
package store

import (
	"encoding/json"
	"time"
)

// WorkflowType enumerates the kinds of root/child work a client can submit.
type WorkflowType string

const (
	WorkflowTypeFeature       WorkflowType = "feature"
	WorkflowTypeBugfix        WorkflowType = "bugfix"
	WorkflowTypeRefactor      WorkflowType = "refactor"
	WorkflowTypeDocumentation WorkflowType = "documentation"
	WorkflowTypeReview        WorkflowType = "review"
	WorkflowTypeNewModule     WorkflowType = "new_module"
	WorkflowTypeDockerize     WorkflowType = "dockerize"
)

// WorkflowStatus is the workflow status sum type.
type WorkflowStatus string

const (
	WorkflowStatusPending        WorkflowStatus = "pending"
	WorkflowStatusPlanning       WorkflowStatus = "planning"
	WorkflowStatusCoding         WorkflowStatus = "coding"
	WorkflowStatusTesting        WorkflowStatus = "testing"
	WorkflowStatusReviewing      WorkflowStatus = "reviewing"
	WorkflowStatusDocumenting    WorkflowStatus = "documenting"
	WorkflowStatusSecurityLint   WorkflowStatus = "security_linting"
	WorkflowStatusRunning        WorkflowStatus = "running"
	WorkflowStatusPendingFix     WorkflowStatus = "pending_fix"
	WorkflowStatusCompleted      WorkflowStatus = "completed"
	WorkflowStatusFailed         WorkflowStatus = "failed"
	WorkflowStatusCancelled      WorkflowStatus = "cancelled"
)

// activeExecutingStatuses is the set of statuses meaning "an agent is (or
// should be) currently executing" per the GLOSSARY.
var activeExecutingStatuses = map[WorkflowStatus]bool{
	WorkflowStatusPlanning:     true,
	WorkflowStatusCoding:       true,
	WorkflowStatusTesting:      true,
	WorkflowStatusReviewing:    true,
	WorkflowStatusDocumenting:  true,
	WorkflowStatusSecurityLint: true,
}

// IsActiveExecuting reports whether s is one of the six active-executing
// phases.
func (s WorkflowStatus) IsActiveExecuting() bool {
	return activeExecutingStatuses[s]
}

// IsTerminal reports whether s is a terminal status (completed/failed/cancelled).
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// AgentSequence returns the fixed per-type agent sequence.
func (t WorkflowType) AgentSequence() []string {
	switch t {
	case WorkflowTypeFeature:
		return []string{"plan", "code", "security_lint", "test", "review", "document"}
	case WorkflowTypeBugfix:
		return []string{"plan", "code", "test", "review"}
	case WorkflowTypeRefactor:
		return []string{"plan", "code", "test", "review", "document"}
	case WorkflowTypeDocumentation:
		return []string{"document"}
	case WorkflowTypeReview:
		return []string{"review"}
	case WorkflowTypeNewModule:
		return []string{"scaffold", "module_import", "plan", "code", "test", "review", "document"}
	case WorkflowTypeDockerize:
		return []string{"plan", "code", "review"}
	default:
		return nil
	}
}

// StatusForAgentType maps an agent-sequence step to the active-executing
// status it puts the workflow into.
func StatusForAgentType(agentType string) WorkflowStatus {
	switch agentType {
	case "plan":
		return WorkflowStatusPlanning
	case "code", "scaffold", "module_import":
		return WorkflowStatusCoding
	case "security_lint":
		return WorkflowStatusSecurityLint
	case "test":
		return WorkflowStatusTesting
	case "review":
		return WorkflowStatusReviewing
	case "document":
		return WorkflowStatusDocumenting
	default:
		return WorkflowStatusCoding
	}
}

// Workflow is the root/child unit of work the orchestrator drives.
type Workflow struct {
	ID                  int64           `db:"id" json:"id"`
	Type                WorkflowType    `db:"type" json:"type"`
	TargetModule        string          `db:"target_module" json:"targetModule"`
	Status              WorkflowStatus  `db:"status" json:"status"`
	Title               string          `db:"title" json:"title"`
	Priority            int             `db:"priority" json:"priority"`
	Payload             json.RawMessage `db:"payload" json:"payload"`
	PlanJSON            json.RawMessage `db:"plan_json" json:"planJson,omitempty"`
	BranchName          *string         `db:"branch_name" json:"branchName,omitempty"`
	ParentWorkflowID    *int64          `db:"parent_workflow_id" json:"parentWorkflowId,omitempty"`
	WorkflowDepth       int             `db:"workflow_depth" json:"workflowDepth"`
	ExecutionOrder      int             `db:"execution_order" json:"executionOrder"`
	AutoExecuteChildren bool            `db:"auto_execute_children" json:"autoExecuteChildren"`
	IsPaused            bool            `db:"is_paused" json:"isPaused"`
	PauseReason         *string         `db:"pause_reason" json:"pauseReason,omitempty"`
	RetryCount          int             `db:"retry_count" json:"retryCount"`
	CheckpointCommit    *string         `db:"checkpoint_commit" json:"checkpointCommit,omitempty"`
	CheckpointCreatedAt *time.Time      `db:"checkpoint_created_at" json:"checkpointCreatedAt,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updatedAt"`
	StartedAt           *time.Time      `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// IsRoot reports whether w has no parent.
func (w *Workflow) IsRoot() bool {
	return w.ParentWorkflowID == nil
}

// QueueEntryStatus is the QueueEntry.status sum type.
type QueueEntryStatus string

const (
	QueueEntryStatusPending    QueueEntryStatus = "pending"
	QueueEntryStatusInProgress QueueEntryStatus = "in_progress"
	QueueEntryStatusCompleted  QueueEntryStatus = "completed"
	QueueEntryStatusFailed     QueueEntryStatus = "failed"
	QueueEntryStatusSkipped    QueueEntryStatus = "skipped"
	QueueEntryStatusCancelled  QueueEntryStatus = "cancelled"
)

// QueueEntry is one per child workflow per parent, tracking dependency state.
type QueueEntry struct {
	ID               int64            `db:"id" json:"id"`
	ParentWorkflowID int64            `db:"parent_workflow_id" json:"parentWorkflowId"`
	ChildWorkflowID  int64            `db:"child_workflow_id" json:"childWorkflowId"`
	ExecutionOrder   int              `db:"execution_order" json:"executionOrder"`
	Status           QueueEntryStatus `db:"status" json:"status"`
	DependsOn        IntSlice         `db:"depends_on" json:"dependsOn"`
	CreatedAt        time.Time        `db:"created_at" json:"createdAt"`
	StartedAt        *time.Time       `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `db:"completed_at" json:"completedAt,omitempty"`
	ErrorMessage     *string          `db:"error_message" json:"errorMessage,omitempty"`
}

// AgentExecutionStatus is the AgentExecution.status sum type.
type AgentExecutionStatus string

const (
	AgentExecutionStatusPending   AgentExecutionStatus = "pending"
	AgentExecutionStatusRunning   AgentExecutionStatus = "running"
	AgentExecutionStatusCompleted AgentExecutionStatus = "completed"
	AgentExecutionStatusFailed    AgentExecutionStatus = "failed"
)

// AgentExecution records one agent-step invocation.
type AgentExecution struct {
	ID           int64                `db:"id" json:"id"`
	WorkflowID   int64                `db:"workflow_id" json:"workflowId"`
	AgentType    string               `db:"agent_type" json:"agentType"`
	Status       AgentExecutionStatus `db:"status" json:"status"`
	Input        json.RawMessage      `db:"input" json:"input"`
	Output       json.RawMessage      `db:"output" json:"output,omitempty"`
	ErrorMessage *string              `db:"error_message" json:"errorMessage,omitempty"`
	RetryCount   int                  `db:"retry_count" json:"retryCount"`
	StartedAt    *time.Time           `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt  *time.Time           `db:"completed_at" json:"completedAt,omitempty"`
	DurationMs   *int64               `db:"duration_ms" json:"durationMs,omitempty"`
}

// ArtifactType enumerates the Artifact.type values.
type ArtifactType string

const (
	ArtifactTypeCode   ArtifactType = "code"
	ArtifactTypeTest   ArtifactType = "test"
	ArtifactTypeDoc    ArtifactType = "doc"
	ArtifactTypePlan   ArtifactType = "plan"
	ArtifactTypeReview ArtifactType = "review"
	ArtifactTypeOther  ArtifactType = "other"
)

// Artifact is an append-only record of agent output.
type Artifact struct {
	ID               int64           `db:"id" json:"id"`
	WorkflowID       int64           `db:"workflow_id" json:"workflowId"`
	AgentExecutionID int64           `db:"agent_execution_id" json:"agentExecutionId"`
	Type             ArtifactType    `db:"type" json:"type"`
	FilePath         *string         `db:"file_path" json:"filePath,omitempty"`
	Content          string          `db:"content" json:"content"`
	Metadata         json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
}

// MessageType enumerates the WorkflowMessage.message_type values.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeAgent  MessageType = "agent"
	MessageTypeSystem MessageType = "system"
)

// ActionType enumerates the WorkflowMessage.action_type values.
type ActionType string

const (
	ActionTypeComment     ActionType = "comment"
	ActionTypeInstruction ActionType = "instruction"
	ActionTypePause       ActionType = "pause"
	ActionTypeResume      ActionType = "resume"
	ActionTypeCancel      ActionType = "cancel"
	ActionTypeRedirect    ActionType = "redirect"
)

// ActionStatus enumerates the WorkflowMessage.action_status values.
type ActionStatus string

const (
	ActionStatusPending      ActionStatus = "pending"
	ActionStatusAcknowledged ActionStatus = "acknowledged"
	ActionStatusProcessed    ActionStatus = "processed"
	ActionStatusIgnored      ActionStatus = "ignored"
)

// WorkflowMessage is the conversation-thread entity attached to a workflow.
type WorkflowMessage struct {
	ID               int64           `db:"id" json:"id"`
	WorkflowID       int64           `db:"workflow_id" json:"workflowId"`
	AgentExecutionID *int64          `db:"agent_execution_id" json:"agentExecutionId,omitempty"`
	MessageType      MessageType     `db:"message_type" json:"messageType"`
	AgentType        *string         `db:"agent_type" json:"agentType,omitempty"`
	Content          string          `db:"content" json:"content"`
	Metadata         json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	ActionType       ActionType      `db:"action_type" json:"actionType"`
	ActionStatus     ActionStatus    `db:"action_status" json:"actionStatus"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
}

// IsInterruptAction reports whether the message's action type is one the
// Interrupts component cares about.
func (m *WorkflowMessage) IsInterruptAction() bool {
	switch m.ActionType {
	case ActionTypePause, ActionTypeCancel, ActionTypeRedirect, ActionTypeInstruction:
		return true
	default:
		return false
	}
}

// ExecutionLog is an append-only log entity.
type ExecutionLog struct {
	ID               int64           `db:"id" json:"id"`
	WorkflowID       int64           `db:"workflow_id" json:"workflowId"`
	AgentExecutionID *int64          `db:"agent_execution_id" json:"agentExecutionId,omitempty"`
	LogLevel         string          `db:"log_level" json:"logLevel"`
	Message          string          `db:"message" json:"message"`
	Timestamp        time.Time       `db:"timestamp" json:"timestamp"`
	Metadata         json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// QueueStatus is the summary returned by getQueueStatus.
type QueueStatus struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}
