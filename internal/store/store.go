package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("store: not found")

// NewWorkflow carries the fields needed to create a Workflow row; fields not
// listed are computed by the Store (id, created_at, updated_at, depth,
// status defaults to pending).
type NewWorkflow struct {
	Type                WorkflowType
	TargetModule        string
	Title               string
	Priority            int
	Payload             []byte
	ParentWorkflowID    *int64
	ExecutionOrder      int
	AutoExecuteChildren bool
}

// NewQueueEntry carries the fields needed to create a QueueEntry row.
type NewQueueEntry struct {
	ParentWorkflowID int64
	ChildWorkflowID  int64
	ExecutionOrder   int
	DependsOn        []int
}

// NewAgentExecution carries the fields needed to create an AgentExecution row.
type NewAgentExecution struct {
	WorkflowID int64
	AgentType  string
	Input      []byte
}

// NewArtifact carries the fields needed to create an Artifact row.
type NewArtifact struct {
	WorkflowID       int64
	AgentExecutionID int64
	Type             ArtifactType
	FilePath         *string
	Content          string
	Metadata         []byte
}

// NewMessage carries the fields needed to create a WorkflowMessage row.
type NewMessage struct {
	WorkflowID       int64
	AgentExecutionID *int64
	MessageType      MessageType
	AgentType        *string
	Content          string
	Metadata         []byte
	ActionType       ActionType
}

// NewLog carries the fields needed to create an ExecutionLog row.
type NewLog struct {
	WorkflowID       int64
	AgentExecutionID *int64
	LogLevel         string
	Message          string
	Metadata         []byte
}

// ListFilter parameters for the root-workflow listing endpoint.
type ListFilter struct {
	Status          *WorkflowStatus
	TargetModule    *string
	Limit           int
	Offset          int
	IncludeChildren bool
}

// Store is the typed persistence façade over the workflow schema.
// Implementations must make single-row mutations atomic and wrap multi-row
// operations in a DB transaction.
type Store interface {
	// Workflow operations.
	CreateWorkflow(ctx context.Context, nw NewWorkflow) (*Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (*Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id int64, status WorkflowStatus) error
	UpdateWorkflowPlan(ctx context.Context, id int64, planJSON []byte) error
	UpdateWorkflowPause(ctx context.Context, id int64, paused bool, reason *string) error
	UpdateWorkflowCheckpoint(ctx context.Context, id int64, commit string) error
	ResetWorkflowForRetry(ctx context.Context, id int64) error
	ResetWorkflowForCheckpoint(ctx context.Context, id int64) error
	ListRootWorkflows(ctx context.Context, f ListFilter) ([]*Workflow, error)
	ListChildren(ctx context.Context, parentID int64) ([]*Workflow, error)
	Descendants(ctx context.Context, rootID int64) ([]*Workflow, error)
	RootOf(ctx context.Context, id int64) (int64, error)
	DeleteWorkflows(ctx context.Context, ids []int64) error

	// QueueEntry operations.
	CreateQueueEntry(ctx context.Context, nq NewQueueEntry) (*QueueEntry, error)
	GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error)
	GetQueueEntryForChild(ctx context.Context, childWorkflowID int64) (*QueueEntry, error)
	ListQueueEntries(ctx context.Context, parentID int64) ([]*QueueEntry, error)
	UpdateQueueEntryStatus(ctx context.Context, id int64, status QueueEntryStatus, errMsg *string) error
	ResetQueueEntry(ctx context.Context, id int64) error
	GetNextExecutableChild(ctx context.Context, parentID int64) (*QueueEntry, error)
	GetQueueStatus(ctx context.Context, parentID int64) (*QueueStatus, error)
	DeleteQueueEntries(ctx context.Context, ids []int64) error

	// AgentExecution operations.
	CreateAgentExecution(ctx context.Context, na NewAgentExecution) (*AgentExecution, error)
	UpdateAgentExecutionStatus(ctx context.Context, id int64, status AgentExecutionStatus, output []byte, errMsg *string) error
	ListAgentExecutions(ctx context.Context, workflowID int64) ([]*AgentExecution, error)
	ListRunningAgentExecutions(ctx context.Context, olderThan int64) ([]*AgentExecution, error)
	DeleteAgentExecutions(ctx context.Context, workflowIDs []int64) error

	// Artifact operations.
	CreateArtifact(ctx context.Context, na NewArtifact) (*Artifact, error)
	ListArtifacts(ctx context.Context, workflowID int64) ([]*Artifact, error)
	DeleteArtifacts(ctx context.Context, workflowIDs []int64) error

	// WorkflowMessage operations.
	CreateMessage(ctx context.Context, nm NewMessage) (*WorkflowMessage, error)
	ListMessages(ctx context.Context, workflowID int64, limit, offset int) ([]*WorkflowMessage, error)
	NextPendingInterrupt(ctx context.Context, workflowID int64) (*WorkflowMessage, error)
	UpdateMessageActionStatus(ctx context.Context, id int64, status ActionStatus) error
	DeleteMessages(ctx context.Context, workflowIDs []int64) error

	// ExecutionLog operations.
	CreateLog(ctx context.Context, nl NewLog) (*ExecutionLog, error)
	ListLogs(ctx context.Context, workflowID int64, agentExecutionID *int64, limit int) ([]*ExecutionLog, error)
	DeleteLogs(ctx context.Context, workflowIDs []int64) error

	// Close releases underlying resources.
	Close() error
}
