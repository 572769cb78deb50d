// Package reaper runs a fixed-interval sweep that catches what Recovery's
// one-shot pass can't: agent steps and workflows that go stale
// while the process is otherwise healthy, plus the same orphaned-queue-entry
// cleanup Recovery performs at startup.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/recovery"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/tracing"
)

const timeoutReason = "timeout"

// Config holds reaper tuning parameters.
type Config struct {
	Interval        time.Duration
	AgentTimeout    time.Duration
	WorkflowTimeout time.Duration
}

// DefaultConfig returns the reaper's default cadence and timeouts.
func DefaultConfig() Config {
	return Config{
		Interval:        constants.DefaultReaperInterval,
		AgentTimeout:    constants.DefaultAgentTimeout,
		WorkflowTimeout: constants.DefaultWorkflowTimeout,
	}
}

// Result summarizes one sweep, for logging and tests.
type Result struct {
	TimedOutExecutions  int
	TimedOutWorkflows   int
	SkippedQueueEntries int
}

// Reaper implements the fixed-interval sweep.
type Reaper struct {
	store store.Store
	log   *logger.Logger
	cfg   Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Reaper.
func New(s store.Store, log *logger.Logger, cfg Config) *Reaper {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Interval == 0 {
		cfg.Interval = constants.DefaultReaperInterval
	}
	if cfg.AgentTimeout == 0 {
		cfg.AgentTimeout = constants.DefaultAgentTimeout
	}
	if cfg.WorkflowTimeout == 0 {
		cfg.WorkflowTimeout = constants.DefaultWorkflowTimeout
	}
	return &Reaper{store: s, log: log.WithFields(zap.String("component", "reaper")), cfg: cfg}
}

// Start launches the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.log.Warn("sweep failed", zap.Error(err))
				}
			}
		}
	}()
	r.log.Info("reaper started", zap.Duration("interval", r.cfg.Interval))
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.log.Info("reaper stopped")
}

// IsRunning reports whether the sweep loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Sweep runs one pass of the three checks: agents, workflows, orphans.
// Exported so callers (and tests) can drive a sweep synchronously instead
// of waiting for the ticker.
func (r *Reaper) Sweep(ctx context.Context) (_ *Result, err error) {
	ctx, span := tracing.TraceReaperSweep(ctx)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	agentsReaped, err := r.reapAgents(ctx)
	if err != nil {
		return nil, err
	}
	workflowsReaped, err := r.reapWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	skipped, err := recovery.ReapOrphans(ctx, r.store)
	if err != nil {
		return nil, err
	}

	result := &Result{
		TimedOutExecutions:  agentsReaped,
		TimedOutWorkflows:   workflowsReaped,
		SkippedQueueEntries: skipped,
	}
	if agentsReaped > 0 || workflowsReaped > 0 || skipped > 0 {
		r.log.Info("reaper sweep", zap.Int("timed_out_executions", agentsReaped),
			zap.Int("timed_out_workflows", workflowsReaped), zap.Int("skipped_queue_entries", skipped))
	}
	return result, nil
}

// reapAgents implements the Agents check: any AgentExecution running longer
// than AgentTimeout is failed, and its owning workflow and that workflow's
// own queue entry are failed along with it.
func (r *Reaper) reapAgents(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.cfg.AgentTimeout)
	// The store filters at whole-second granularity: ask for one second past
	// the cutoff and apply the exact cutoff below.
	executions, err := r.store.ListRunningAgentExecutions(ctx, cutoff.Unix()+1)
	if err != nil {
		return 0, err
	}
	reason := timeoutReason
	count := 0
	for _, e := range executions {
		if e.StartedAt == nil || e.StartedAt.After(cutoff) {
			continue
		}
		count++
		if err := r.store.UpdateAgentExecutionStatus(ctx, e.ID, store.AgentExecutionStatusFailed, nil, &reason); err != nil {
			return 0, err
		}
		kindErr := orcerr.New(orcerr.KindTimeout, e.WorkflowID, "agent execution exceeded AgentTimeout")
		r.log.WithWorkflowID(e.WorkflowID).Warn("reaped timed-out agent execution", zap.Error(kindErr))
		if err := r.failWorkflowAndQueueEntry(ctx, e.WorkflowID, reason); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// reapWorkflows implements the Workflows check: any workflow in an
// active-executing status whose updated_at hasn't moved in WorkflowTimeout
// (the same staleness signal Recovery uses at startup) is failed.
func (r *Reaper) reapWorkflows(ctx context.Context) (int, error) {
	all, err := allWorkflows(ctx, r.store)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-r.cfg.WorkflowTimeout)
	count := 0
	for _, w := range all {
		if !w.Status.IsActiveExecuting() || w.UpdatedAt.After(cutoff) {
			continue
		}
		kindErr := orcerr.New(orcerr.KindTimeout, w.ID, "workflow exceeded WorkflowTimeout with no progress")
		r.log.WithWorkflowID(w.ID).Warn("reaped stalled workflow", zap.Error(kindErr))
		if err := r.failWorkflowAndQueueEntry(ctx, w.ID, timeoutReason); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *Reaper) failWorkflowAndQueueEntry(ctx context.Context, workflowID int64, reason string) error {
	if err := r.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowStatusFailed); err != nil {
		return err
	}
	entry, err := r.store.GetQueueEntryForChild(ctx, workflowID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return r.store.UpdateQueueEntryStatus(ctx, entry.ID, store.QueueEntryStatusFailed, &reason)
}

func allWorkflows(ctx context.Context, s store.Store) ([]*store.Workflow, error) {
	roots, err := s.ListRootWorkflows(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*store.Workflow, 0, len(roots))
	for _, root := range roots {
		out = append(out, root)
		descendants, err := s.Descendants(ctx, root.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, descendants...)
	}
	return out, nil
}
