// Package recovery runs once at process start, before the Scheduler accepts
// work: it clears stale TreeLocks, resets active-executing
// workflows a crashed process left mid-flight, reschedules them, and reaps
// queue entries orphaned by a failed/cancelled parent.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/scheduler"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/treelock"
)

const recoveredReason = "recovered-from-interrupt"

// Result summarizes what Recovery did, mostly for startup logging.
type Result struct {
	RecoveredWorkflowIDs []int64
	SkippedQueueEntries  int
}

// Recovery implements the startup recovery sequence.
type Recovery struct {
	store     store.Store
	locker    treelock.Locker
	scheduler *scheduler.Scheduler
	log       *logger.Logger
	freshness time.Duration
}

// New builds a Recovery. freshness defaults to
// constants.RecoveryFreshnessThreshold if zero.
func New(s store.Store, locker treelock.Locker, sched *scheduler.Scheduler, log *logger.Logger, freshness time.Duration) *Recovery {
	if log == nil {
		log = logger.Default()
	}
	if freshness == 0 {
		freshness = constants.RecoveryFreshnessThreshold
	}
	return &Recovery{
		store:     s,
		locker:    locker,
		scheduler: sched,
		log:       log.WithFields(zap.String("component", "recovery")),
		freshness: freshness,
	}
}

// Run executes the four-step recovery sequence.
func (r *Recovery) Run(ctx context.Context) (*Result, error) {
	if err := r.locker.ClearAll(ctx); err != nil {
		return nil, err
	}

	all, err := allWorkflows(ctx, r.store)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.freshness)
	var recovered []int64
	for _, w := range all {
		if !w.Status.IsActiveExecuting() || w.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.resetStale(ctx, w); err != nil {
			return nil, err
		}
		recovered = append(recovered, w.ID)
	}
	r.log.Info("reset stale active-executing workflows", zap.Int("count", len(recovered)))

	for _, id := range recovered {
		w, err := r.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		target := id
		if w.ParentWorkflowID != nil {
			target = *w.ParentWorkflowID
		}
		if err := r.scheduler.Run(ctx, target); err != nil && err != scheduler.ErrTreeBusy {
			r.log.WithWorkflowID(id).Warn("failed to reschedule recovered workflow", zap.Error(err))
		}
	}

	skipped, err := ReapOrphans(ctx, r.store)
	if err != nil {
		return nil, err
	}

	return &Result{RecoveredWorkflowIDs: recovered, SkippedQueueEntries: skipped}, nil
}

// resetStale resets a single workflow left mid-flight: mark it pending and
// fail its running AgentExecutions with reason "recovered-from-interrupt".
func (r *Recovery) resetStale(ctx context.Context, w *store.Workflow) error {
	if err := r.store.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusPending); err != nil {
		return err
	}
	execs, err := r.store.ListAgentExecutions(ctx, w.ID)
	if err != nil {
		return err
	}
	reason := recoveredReason
	for _, e := range execs {
		if e.Status != store.AgentExecutionStatusRunning {
			continue
		}
		if err := r.store.UpdateAgentExecutionStatus(ctx, e.ID, store.AgentExecutionStatusFailed, nil, &reason); err != nil {
			return err
		}
	}
	return nil
}

// ReapOrphans reaps orphaned queue entries, a step shared with the
// reaper's own sweep: any pending queue entry whose parent workflow is
// failed/cancelled is marked skipped, since that parent will never advance
// it.
func ReapOrphans(ctx context.Context, s store.Store) (int, error) {
	all, err := allWorkflows(ctx, s)
	if err != nil {
		return 0, err
	}
	skipped := 0
	for _, w := range all {
		if w.Status != store.WorkflowStatusFailed && w.Status != store.WorkflowStatusCancelled {
			continue
		}
		entries, err := s.ListQueueEntries(ctx, w.ID)
		if err != nil {
			return skipped, err
		}
		for _, qe := range entries {
			if qe.Status != store.QueueEntryStatusPending {
				continue
			}
			if err := s.UpdateQueueEntryStatus(ctx, qe.ID, store.QueueEntryStatusSkipped, nil); err != nil {
				return skipped, err
			}
			skipped++
		}
	}
	return skipped, nil
}

// allWorkflows returns every workflow in the store, root and descendant
// alike, by walking each root's subtree (Descendants caps the walk depth).
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
