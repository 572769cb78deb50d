package api

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/checkpoint"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/common/stringutil"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/interrupts"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/scheduler"
	"github.com/kandev/orchestrator/internal/store"
)

// WorkflowDetail is the response shape for GET /workflows/:id: the
// workflow itself plus its agent executions, artifacts, immediate children,
// and a rolled-up effective status.
type WorkflowDetail struct {
	*store.Workflow
	EffectiveStatus store.WorkflowStatus    `json:"effectiveStatus"`
	AgentExecutions []*store.AgentExecution `json:"agentExecutions"`
	Artifacts       []*store.Artifact       `json:"artifacts"`
	Children        []*store.Workflow       `json:"children"`
}

// ResumeState is the response shape for GET /workflows/:id/resume-state.
type ResumeState struct {
	CanResume      bool    `json:"canResume"`
	Reason         string  `json:"reason,omitempty"`
	NextStep       string  `json:"nextStep,omitempty"`
	LastCheckpoint *string `json:"lastCheckpoint,omitempty"`
}

// Service wires Store, Scheduler, Interrupts, and the checkpoint Rewinder
// into the operations exposed over HTTP.
type Service struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	interrupts *interrupts.Manager
	rewinder   *checkpoint.Rewinder
	bus        bus.EventBus
	log        *logger.Logger
}

// NewService builds a Service.
func NewService(s store.Store, sched *scheduler.Scheduler, im *interrupts.Manager, rw *checkpoint.Rewinder, b bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:      s,
		scheduler:  sched,
		interrupts: im,
		rewinder:   rw,
		bus:        b,
		log:        log.WithFields(zap.String("component", "api-service")),
	}
}

// CreateWorkflow implements POST /workflows/manual: creates a root workflow
// and immediately starts driving it.
func (s *Service) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*store.Workflow, error) {
	payload, err := json.Marshal(map[string]any{
		"taskDescription": req.TaskDescription,
		"metadata":        req.Metadata,
	})
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindClientError, 0, "failed to encode payload", err)
	}

	w, err := s.store.CreateWorkflow(ctx, store.NewWorkflow{
		Type:                req.WorkflowType,
		TargetModule:        req.TargetModule,
		Title:               req.TaskDescription,
		Payload:             payload,
		AutoExecuteChildren: true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Run(ctx, w.ID); err != nil && err != scheduler.ErrTreeBusy {
		s.log.Warn("failed to start newly created workflow", zap.Int64("workflow_id", w.ID), zap.Error(err))
	}
	return w, nil
}

// ListWorkflows implements GET /workflows.
func (s *Service) ListWorkflows(ctx context.Context, f store.ListFilter) ([]*store.Workflow, error) {
	return s.store.ListRootWorkflows(ctx, f)
}

// GetWorkflowDetail implements GET /workflows/:id.
func (s *Service) GetWorkflowDetail(ctx context.Context, id int64) (*WorkflowDetail, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	executions, err := s.store.ListAgentExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	descendants, err := s.store.Descendants(ctx, id)
	if err != nil {
		return nil, err
	}

	return &WorkflowDetail{
		Workflow:        w,
		EffectiveStatus: effectiveStatus(w, descendants),
		AgentExecutions: executions,
		Artifacts:       artifacts,
		Children:        children,
	}, nil
}

// effectiveStatus computes the tree-wide rollup: failed if any descendant is
// failed, running ("in_progress") if any descendant is non-terminal, else
// the workflow's own stored status.
func effectiveStatus(w *store.Workflow, descendants []*store.Workflow) store.WorkflowStatus {
	for _, d := range descendants {
		if d.Status == store.WorkflowStatusFailed {
			return store.WorkflowStatusFailed
		}
	}
	for _, d := range descendants {
		if !d.Status.IsTerminal() {
			return store.WorkflowStatusRunning
		}
	}
	return w.Status
}

// CancelWorkflow implements DELETE /workflows/:id: posts a cancel interrupt
// so an in-flight leaf execution observes it at its next step boundary, and
// directly cancels the workflow and every non-terminal descendant so
// anything not currently executing stops immediately too.
func (s *Service) CancelWorkflow(ctx context.Context, id int64) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return orcerr.New(orcerr.KindClientError, id, "workflow is already in a terminal state")
	}

	if _, err := s.store.CreateMessage(ctx, store.NewMessage{
		WorkflowID:  id,
		MessageType: store.MessageTypeUser,
		Content:     "cancelled via API",
		ActionType:  store.ActionTypeCancel,
	}); err != nil {
		return err
	}

	descendants, err := s.store.Descendants(ctx, id)
	if err != nil {
		return err
	}
	for _, n := range append([]*store.Workflow{w}, descendants...) {
		if n.Status.IsTerminal() {
			continue
		}
		if err := s.store.UpdateWorkflowStatus(ctx, n.ID, store.WorkflowStatusCancelled); err != nil {
			return err
		}
		entries, err := s.store.ListQueueEntries(ctx, n.ID)
		if err != nil {
			return err
		}
		for _, qe := range entries {
			if qe.Status == store.QueueEntryStatusPending || qe.Status == store.QueueEntryStatusInProgress {
				if err := s.store.UpdateQueueEntryStatus(ctx, qe.ID, store.QueueEntryStatusCancelled, nil); err != nil {
					return err
				}
			}
		}
	}

	if w.ParentWorkflowID != nil {
		if entry, err := s.store.GetQueueEntryForChild(ctx, id); err == nil {
			if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, store.QueueEntryStatusCancelled, nil); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Pause implements POST /workflows/:id/pause.
func (s *Service) Pause(ctx context.Context, id int64, reason string) error {
	return s.interrupts.Pause(ctx, id, reason)
}

// Unpause implements POST /workflows/:id/unpause.
func (s *Service) Unpause(ctx context.Context, id int64) error {
	return s.interrupts.Unpause(ctx, id)
}

// ForceFail implements POST /workflows/:id/force-fail: marks the workflow
// and its own queue entry failed, then re-drives its parent so the
// QueueEngine's normal failure-propagation cascade picks it up exactly as
// it would a leaf's own failure.
func (s *Service) ForceFail(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = "force-failed via API"
	}
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, store.WorkflowStatusFailed); err != nil {
		return err
	}
	if w.ParentWorkflowID == nil {
		return nil
	}
	entry, err := s.store.GetQueueEntryForChild(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, store.QueueEntryStatusFailed, &reason); err != nil {
		return err
	}
	if err := s.scheduler.Run(ctx, *w.ParentWorkflowID); err != nil && err != scheduler.ErrTreeBusy {
		s.log.Warn("failed to re-drive parent after force-fail", zap.Int64("workflow_id", id), zap.Error(err))
	}
	return nil
}

// Resume implements POST /workflows/:id/resume.
func (s *Service) Resume(ctx context.Context, id int64) error {
	return s.scheduler.Resume(ctx, id)
}

// Retry implements POST /workflows/:id/retry.
func (s *Service) Retry(ctx context.Context, id int64) error {
	return s.scheduler.Retry(ctx, id)
}

// Skip implements POST /workflows/:id/skip: only valid for a non-root
// workflow. Marks its own queue entry skipped and advances the parent.
func (s *Service) Skip(ctx context.Context, id int64) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.IsRoot() {
		return orcerr.New(orcerr.KindClientError, id, "cannot skip a root workflow")
	}
	entry, err := s.store.GetQueueEntryForChild(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, store.QueueEntryStatusSkipped, nil); err != nil {
		return err
	}
	if err := s.scheduler.Run(ctx, *w.ParentWorkflowID); err != nil && err != scheduler.ErrTreeBusy {
		s.log.Warn("failed to advance parent after skip", zap.Int64("workflow_id", id), zap.Error(err))
	}
	return nil
}

// ListMessages implements GET /workflows/:id/messages.
func (s *Service) ListMessages(ctx context.Context, id int64, limit, offset int) ([]*store.WorkflowMessage, error) {
	return s.store.ListMessages(ctx, id, limit, offset)
}

// maxMessageContentLen bounds a user-submitted message's stored length;
// anything longer is truncated rather than rejected.
const maxMessageContentLen = 20000

// PostMessage implements POST /workflows/:id/messages.
func (s *Service) PostMessage(ctx context.Context, id int64, req CreateMessageRequest) (*store.WorkflowMessage, error) {
	actionType := req.ActionType
	if actionType == "" {
		actionType = store.ActionTypeComment
	}
	return s.store.CreateMessage(ctx, store.NewMessage{
		WorkflowID:  id,
		MessageType: store.MessageTypeUser,
		Content:     stringutil.TruncateStringWithEllipsis(req.Content, maxMessageContentLen),
		ActionType:  actionType,
	})
}

// ListCheckpoints implements GET /workflows/:id/checkpoints: every
// completed, checkpointed workflow in the subtree rooted at id, most recent
// first.
func (s *Service) ListCheckpoints(ctx context.Context, rootID int64) ([]*store.Workflow, error) {
	root, err := s.store.GetWorkflow(ctx, rootID)
	if err != nil {
		return nil, err
	}
	descendants, err := s.store.Descendants(ctx, rootID)
	if err != nil {
		return nil, err
	}
	var checkpoints []*store.Workflow
	for _, w := range append([]*store.Workflow{root}, descendants...) {
		if w.Status == store.WorkflowStatusCompleted && w.CheckpointCommit != nil && w.CheckpointCreatedAt != nil {
			checkpoints = append(checkpoints, w)
		}
	}
	for i := 0; i < len(checkpoints); i++ {
		for j := i + 1; j < len(checkpoints); j++ {
			if checkpoints[j].CheckpointCreatedAt.After(*checkpoints[i].CheckpointCreatedAt) {
				checkpoints[i], checkpoints[j] = checkpoints[j], checkpoints[i]
			}
		}
	}
	return checkpoints, nil
}

// LastCheckpoint implements GET /workflows/:id/last-checkpoint.
func (s *Service) LastCheckpoint(ctx context.Context, rootID int64) (*store.Workflow, error) {
	checkpoints, err := s.ListCheckpoints(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, store.ErrNotFound
	}
	return checkpoints[0], nil
}

// ResumeFromCheckpoint implements POST /workflows/:id/resume-from-checkpoint:
// runs CheckpointRewind, then re-drives the tree from the reset checkpoint
// node.
func (s *Service) ResumeFromCheckpoint(ctx context.Context, rootID int64, checkpointID *int64) (*checkpoint.Result, error) {
	result, err := s.rewinder.Rewind(ctx, rootID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Run(ctx, result.ResetWorkflowIDs[0]); err != nil && err != scheduler.ErrTreeBusy {
		s.log.Warn("failed to re-drive tree after checkpoint rewind", zap.Int64("workflow_id", result.ResetWorkflowIDs[0]), zap.Error(err))
	}
	return result, nil
}

// ResumeState implements GET /workflows/:id/resume-state.
func (s *Service) ResumeState(ctx context.Context, id int64) (*ResumeState, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	state := &ResumeState{}
	switch w.Status {
	case store.WorkflowStatusFailed, store.WorkflowStatusCancelled:
		state.CanResume = true
		state.NextStep = nextAgentStep(w)
	case store.WorkflowStatusCompleted:
		state.CanResume = w.CheckpointCommit != nil
		if !state.CanResume {
			state.Reason = "completed with no checkpoint to rewind to"
		}
	default:
		state.CanResume = false
		state.Reason = "workflow is still active"
	}
	state.LastCheckpoint = w.CheckpointCommit
	return state, nil
}

// nextAgentStep reports the agent type a resumed workflow would run first:
// the one StatusForAgentType maps the workflow's current status back to, or
// the sequence's first step if the workflow never started.
func nextAgentStep(w *store.Workflow) string {
	sequence := w.Type.AgentSequence()
	if len(sequence) == 0 {
		return ""
	}
	for _, step := range sequence {
		if store.StatusForAgentType(step) == w.Status {
			return step
		}
	}
	return sequence[0]
}

// Ping implements the /ready probe: a minimal round-trip to the store so a
// load balancer can detect a lost database connection.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.ListRootWorkflows(ctx, store.ListFilter{Limit: 1})
	return err
}

// ListLogs implements GET /workflows/:id/logs.
func (s *Service) ListLogs(ctx context.Context, id int64, agentExecutionID *int64, limit int) ([]*store.ExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListLogs(ctx, id, agentExecutionID, limit)
}
