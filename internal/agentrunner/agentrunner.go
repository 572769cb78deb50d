// Package agentrunner executes a leaf workflow's fixed agent sequence: per
// step it checks for interrupts, runs the agent, persists
// artifacts/logs/messages, and tracks checkpoint candidates, finishing by
// promoting the workflow's own status and its entry in its parent's queue.
package agentrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/agents"
	"github.com/kandev/orchestrator/internal/common/appctx"
	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/tracing"
	"github.com/kandev/orchestrator/internal/workdir"
)

// WorkdirProvisioner is the subset of *workdir.Manager AgentRunner needs.
// Declared as an interface so tests can fake working-directory provisioning
// without a real git binary or Docker daemon.
type WorkdirProvisioner interface {
	Provision(ctx context.Context, workflowID int64) (*workdir.Workdir, error)
	LatestCommit(ctx context.Context, wd *workdir.Workdir) (string, error)
	Cleanup(ctx context.Context, wd *workdir.Workdir) error
}

// Signal is a pending interrupt surfaced by Interrupts.Check.
type Signal struct {
	MessageID int64
	Action    store.ActionType
	Content   string
}

// Interrupts is the subset of internal/interrupts that AgentRunner consults
// between steps. Declared here so this package's tests can fake it without
// depending on internal/interrupts's Store-backed implementation.
type Interrupts interface {
	Check(ctx context.Context, workflowID int64) (*Signal, error)
	MarkProcessed(ctx context.Context, messageID int64) error
}

// cleanupTimeout bounds the detached working-directory teardown that runs
// after Run returns, win or lose.
const cleanupTimeout = 30 * time.Second

// Config tunes AgentRunner's timeouts.
type Config struct {
	AgentTimeout time.Duration
	PauseTimeout time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns sensible default timeouts.
func DefaultConfig() Config {
	return Config{
		AgentTimeout: constants.DefaultAgentTimeout,
		PauseTimeout: constants.DefaultPauseTimeout,
		PollInterval: constants.InterruptPollInterval,
	}
}

// Runner implements scheduler.AgentRunner.
type Runner struct {
	store      store.Store
	registry   *agents.Registry
	interrupts Interrupts
	workdirs   WorkdirProvisioner
	bus        bus.EventBus
	log        *logger.Logger
	cfg        Config
}

// New builds a Runner.
func New(s store.Store, registry *agents.Registry, interrupts Interrupts, workdirs WorkdirProvisioner, b bus.EventBus, log *logger.Logger, cfg Config) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		store:      s,
		registry:   registry,
		interrupts: interrupts,
		workdirs:   workdirs,
		bus:        b,
		log:        log.WithFields(zap.String("component", "agentrunner")),
		cfg:        cfg,
	}
}

// taskPayload extracts "taskDescription" from a workflow's opaque payload.
type taskPayload struct {
	TaskDescription string `json:"taskDescription"`
}

// Run executes w's agent sequence end to end. It returns nil
// once the leaf has reached a terminal status; errors are reserved for
// conditions the Scheduler must also learn about (e.g. a Store failure
// mid-sequence that leaves the workflow's status indeterminate).
func (r *Runner) Run(ctx context.Context, w *store.Workflow) error {
	var payload taskPayload
	_ = json.Unmarshal(w.Payload, &payload) // opaque payload: absent/malformed taskDescription just means ""

	wd, err := r.workdirs.Provision(ctx, w.ID)
	if err != nil {
		return r.failWorkflow(ctx, w, fmt.Sprintf("failed to provision working directory: %v", err))
	}
	defer func() {
		// Detached so a cancel/shutdown that aborted ctx mid-step doesn't also
		// abort the clone teardown; bounded so a stuck git/Docker call can't
		// hang the process past cleanupTimeout.
		cleanupCtx, cancel := appctx.Detached(ctx, make(chan struct{}), cleanupTimeout)
		defer cancel()
		if cerr := r.workdirs.Cleanup(cleanupCtx, wd); cerr != nil {
			r.log.WithWorkflowID(w.ID).Warn("failed to clean up working directory", zap.Error(cerr))
		}
	}()

	sequence := w.Type.AgentSequence()
	completed, err := r.completedSteps(ctx, w.ID)
	if err != nil {
		return r.failWorkflow(ctx, w, fmt.Sprintf("failed to read prior agent executions: %v", err))
	}

	var priorArtifacts []agents.Artifact
	var checkpointCandidate string

	for _, step := range sequence {
		if completed[step] {
			continue // resuming a recovered leaf: already-completed steps are not rerun
		}

		pendingInstructions, terminal, err := r.handleInterrupts(ctx, w)
		if err != nil {
			return r.failWorkflow(ctx, w, fmt.Sprintf("interrupt handling failed: %v", err))
		}
		if terminal {
			return nil // workflow already moved to cancelled/a redirect root; nothing left to run
		}

		if err := r.store.UpdateWorkflowStatus(ctx, w.ID, store.StatusForAgentType(step)); err != nil {
			return err
		}

		input, err := json.Marshal(agents.Input{
			WorkflowID:          w.ID,
			WorkingDir:          wd.Path,
			TaskDescription:     payload.TaskDescription,
			TargetModule:        w.TargetModule,
			PriorArtifacts:      priorArtifacts,
			PendingInstructions: pendingInstructions,
		})
		if err != nil {
			return err
		}
		exec, err := r.store.CreateAgentExecution(ctx, store.NewAgentExecution{WorkflowID: w.ID, AgentType: step, Input: input})
		if err != nil {
			return err
		}
		if err := r.store.UpdateAgentExecutionStatus(ctx, exec.ID, store.AgentExecutionStatusRunning, nil, nil); err != nil {
			return err
		}

		agent, err := r.registry.Get(step)
		if err != nil {
			return r.failStep(ctx, w, exec.ID, err.Error())
		}

		stepCtx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
		spanCtx, span := tracing.TraceAgentStep(stepCtx, w.ID, step)
		out, runErr := agent.Execute(spanCtx, agents.Input{
			WorkflowID:          w.ID,
			WorkingDir:          wd.Path,
			TaskDescription:     payload.TaskDescription,
			TargetModule:        w.TargetModule,
			PriorArtifacts:      priorArtifacts,
			PendingInstructions: pendingInstructions,
		})
		tracing.RecordResult(span, runErr)
		span.End()
		cancel()

		if runErr != nil || !out.Success {
			msg := out.Summary
			if runErr != nil {
				msg = runErr.Error()
			}
			var classified *orcerr.Error
			if errors.Is(runErr, context.DeadlineExceeded) {
				classified = orcerr.Wrap(orcerr.KindTimeout, w.ID, "agent step exceeded its timeout", runErr)
			} else {
				classified = orcerr.New(orcerr.KindAgentExecutionError, w.ID, msg)
			}
			r.log.WithWorkflowID(w.ID).Warn("agent step failed", zap.String("kind", string(classified.Kind)), zap.Error(classified))
			return r.failStep(ctx, w, exec.ID, msg)
		}

		for _, a := range out.Artifacts {
			stored, err := r.persistArtifact(ctx, w.ID, exec.ID, a)
			if err != nil {
				return err
			}
			priorArtifacts = append(priorArtifacts, agents.Artifact{Type: stored, FilePath: a.FilePath, Content: a.Content})
		}

		outputJSON, _ := json.Marshal(out)
		if err := r.store.UpdateAgentExecutionStatus(ctx, exec.ID, store.AgentExecutionStatusCompleted, outputJSON, nil); err != nil {
			return err
		}
		if _, err := r.store.CreateMessage(ctx, store.NewMessage{
			WorkflowID:       w.ID,
			AgentExecutionID: &exec.ID,
			MessageType:      store.MessageTypeAgent,
			AgentType:        &step,
			Content:          out.Summary,
			ActionType:       store.ActionTypeComment,
		}); err != nil {
			return err
		}

		if step == "code" || step == "test" {
			if commit, err := r.workdirs.LatestCommit(ctx, wd); err == nil && commit != "" {
				checkpointCandidate = commit
			}
		}
	}

	if checkpointCandidate != "" {
		if err := r.store.UpdateWorkflowCheckpoint(ctx, w.ID, checkpointCandidate); err != nil {
			return err
		}
	}
	return r.completeWorkflow(ctx, w.ID)
}

// completedSteps returns the set of agent_types whose most recent
// AgentExecution for w succeeded, so recovery restarts don't repeat work.
func (r *Runner) completedSteps(ctx context.Context, workflowID int64) (map[string]bool, error) {
	execs, err := r.store.ListAgentExecutions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(execs))
	for _, e := range execs {
		if e.Status == store.AgentExecutionStatusCompleted {
			out[e.AgentType] = true
		}
	}
	return out, nil
}

// handleInterrupts drains any pending interrupt messages before the next
// agent step runs. It returns the instruction
// content accumulated for the next agent input, and whether the workflow has
// already reached a terminal outcome (cancel/redirect) the caller must stop
// for.
func (r *Runner) handleInterrupts(ctx context.Context, w *store.Workflow) ([]string, bool, error) {
	var instructions []string
	for {
		sig, err := r.interrupts.Check(ctx, w.ID)
		if err != nil {
			return nil, false, err
		}
		if sig == nil {
			return instructions, false, nil
		}

		switch sig.Action {
		case store.ActionTypePause:
			if err := r.waitForUnpause(ctx, w.ID, sig.MessageID); err != nil {
				return nil, false, err
			}
			continue
		case store.ActionTypeCancel:
			if err := r.store.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCancelled); err != nil {
				return nil, false, err
			}
			if err := r.markProcessedIfReal(ctx, sig.MessageID); err != nil {
				return nil, false, err
			}
			r.log.WithWorkflowID(w.ID).Info("workflow cancelled",
				zap.Error(orcerr.New(orcerr.KindUserCancelled, w.ID, "cancel message received")))
			return nil, true, nil
		case store.ActionTypeRedirect:
			if _, err := r.store.CreateWorkflow(ctx, store.NewWorkflow{
				Type:         w.Type,
				TargetModule: w.TargetModule,
				Title:        w.Title + " (redirected)",
				Payload:      []byte(fmt.Sprintf(`{"taskDescription":%q}`, sig.Content)),
			}); err != nil {
				return nil, false, err
			}
			if err := r.store.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCancelled); err != nil {
				return nil, false, err
			}
			if err := r.markProcessedIfReal(ctx, sig.MessageID); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		case store.ActionTypeInstruction:
			instructions = append(instructions, sig.Content)
			if err := r.markProcessedIfReal(ctx, sig.MessageID); err != nil {
				return nil, false, err
			}
		default:
			if err := r.markProcessedIfReal(ctx, sig.MessageID); err != nil {
				return nil, false, err
			}
		}
	}
}

// markProcessedIfReal skips messageId 0, the synthetic pause signal Check
// synthesizes from workflow.is_paused rather than a real message row.
func (r *Runner) markProcessedIfReal(ctx context.Context, messageID int64) error {
	if messageID == 0 {
		return nil
	}
	return r.interrupts.MarkProcessed(ctx, messageID)
}

// waitForUnpause polls every PollInterval until the pause signal clears or
// PauseTimeout elapses.
func (r *Runner) waitForUnpause(ctx context.Context, workflowID, messageID int64) error {
	if err := r.markProcessedIfReal(ctx, messageID); err != nil {
		return err
	}
	deadline := time.Now().Add(r.cfg.PauseTimeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w, err := r.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if !w.IsPaused {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agentrunner: pause wait exceeded %s for workflow %d", r.cfg.PauseTimeout, workflowID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) persistArtifact(ctx context.Context, workflowID, agentExecutionID int64, a agents.Artifact) (string, error) {
	var filePath *string
	if a.FilePath != "" {
		filePath = &a.FilePath
	}
	stored, err := r.store.CreateArtifact(ctx, store.NewArtifact{
		WorkflowID:       workflowID,
		AgentExecutionID: agentExecutionID,
		Type:             store.ArtifactType(a.Type),
		FilePath:         filePath,
		Content:          a.Content,
	})
	if err != nil {
		return "", err
	}
	if r.bus != nil {
		evt := bus.NewEvent(events.ArtifactCreated, "agentrunner", map[string]interface{}{
			"workflowId": workflowID, "artifactId": stored.ID, "type": string(stored.Type),
		})
		if err := r.bus.Publish(ctx, events.BuildWorkflowSubject(workflowID), evt); err != nil {
			r.log.Warn("failed to publish artifact event", zap.Error(err))
		}
	}
	return string(a.Type), nil
}

// failStep handles an agent-step failure: set workflow failed with an error
// summary and mark all running agent executions failed.
func (r *Runner) failStep(ctx context.Context, w *store.Workflow, agentExecutionID int64, message string) error {
	if err := r.store.UpdateAgentExecutionStatus(ctx, agentExecutionID, store.AgentExecutionStatusFailed, nil, &message); err != nil {
		return err
	}
	return r.failWorkflow(ctx, w, message)
}

func (r *Runner) failWorkflow(ctx context.Context, w *store.Workflow, message string) error {
	running, err := r.store.ListAgentExecutions(ctx, w.ID)
	if err == nil {
		for _, e := range running {
			if e.Status == store.AgentExecutionStatusRunning {
				msg := "workflow failed"
				_ = r.store.UpdateAgentExecutionStatus(ctx, e.ID, store.AgentExecutionStatusFailed, nil, &msg)
			}
		}
	}
	if err := r.store.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusFailed); err != nil {
		return err
	}
	if _, err := r.store.CreateMessage(ctx, store.NewMessage{
		WorkflowID:  w.ID,
		MessageType: store.MessageTypeSystem,
		Content:     message,
		ActionType:  store.ActionTypeComment,
	}); err != nil {
		return err
	}
	return r.markOwnQueueEntry(ctx, w.ID, store.QueueEntryStatusFailed, &message)
}

func (r *Runner) completeWorkflow(ctx context.Context, workflowID int64) error {
	if err := r.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowStatusCompleted); err != nil {
		return err
	}
	return r.markOwnQueueEntry(ctx, workflowID, store.QueueEntryStatusCompleted, nil)
}

// markOwnQueueEntry flips workflowID's entry in its parent's queue (if any)
// to status. QueueEngine.Advance only ever looks *forward*; this write is
// what makes a just-finished leaf visible to the next Advance call.
func (r *Runner) markOwnQueueEntry(ctx context.Context, workflowID int64, status store.QueueEntryStatus, errMsg *string) error {
	qe, err := r.store.GetQueueEntryForChild(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // root workflow: no entry of its own
	}
	if err != nil {
		return err
	}
	return r.store.UpdateQueueEntryStatus(ctx, qe.ID, status, errMsg)
}
