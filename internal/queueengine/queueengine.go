// Package queueengine implements the dependency-resolution, failure
// propagation, and completion-cascade rules that decide what executes next
// in a workflow tree. It generalizes a flat container/heap priority queue
// into a DAG keyed by QueueEntry.depends_on.
//
// Engine is pure with respect to the TreeLock: the Scheduler is the sole
// caller of Advance for a given tree and holds the lock across the call
// (and across the leaf execution that follows it). Engine assumes that lock
// is already held and never acquires or releases it itself.
package queueengine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/tracing"
)

// Engine implements nextExecutable and advance over a Store.
type Engine struct {
	store store.Store
	log   *logger.Logger
}

// New builds an Engine over store s.
func New(s store.Store, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{store: s, log: log}
}

// NextExecutable implements the nextExecutable(parent) selection rule.
func (e *Engine) NextExecutable(ctx context.Context, parentID int64) (*store.QueueEntry, error) {
	rootID, err := e.store.RootOf(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("queueengine: rootOf(%d): %w", parentID, err)
	}

	descendants, err := e.store.Descendants(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("queueengine: descendants(%d): %w", rootID, err)
	}
	for _, d := range descendants {
		if d.Status.IsActiveExecuting() {
			return nil, nil // another executor mid-step somewhere in the tree
		}
	}

	entries, err := e.store.ListQueueEntries(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("queueengine: listQueueEntries(%d): %w", parentID, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ExecutionOrder < entries[j].ExecutionOrder })

	completedOrders := make(map[int]bool, len(entries))
	for _, qe := range entries {
		if qe.Status == store.QueueEntryStatusCompleted {
			completedOrders[qe.ExecutionOrder] = true
		}
	}

	anyInProgress := false
	allTerminalLike := true
	for _, qe := range entries {
		switch qe.Status {
		case store.QueueEntryStatusInProgress:
			anyInProgress = true
			allTerminalLike = false
		case store.QueueEntryStatusCompleted, store.QueueEntryStatusFailed,
			store.QueueEntryStatusSkipped, store.QueueEntryStatusCancelled:
			// terminal-like; falls through to step 4's all-terminal check
		case store.QueueEntryStatusPending:
			allTerminalLike = false
			satisfied := true
			for _, dep := range qe.DependsOn {
				if !completedOrders[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				return qe, nil
			}
		}
	}

	if anyInProgress {
		return nil, nil
	}
	if allTerminalLike {
		return nil, nil // signal: parent terminal check needed
	}

	kindErr := orcerr.New(orcerr.KindDeadlockSuspected, parentID, "pending entries with unsatisfiable dependencies")
	e.log.Warn("queueengine: potential deadlock", zap.Error(kindErr))
	return nil, nil
}

// Advance implements the advance(parent) operation. The caller must already
// hold the TreeLock for rootOf(parent); Advance does not touch it.
func (e *Engine) Advance(ctx context.Context, parentID int64) (_ *int64, err error) {
	ctx, span := tracing.TraceAdvance(ctx, parentID)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	next, err := e.NextExecutable(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if next != nil {
		if err := e.store.UpdateQueueEntryStatus(ctx, next.ID, store.QueueEntryStatusInProgress, nil); err != nil {
			return nil, err
		}
		childID := next.ChildWorkflowID
		return &childID, nil
	}

	failed, err := e.checkForFailedChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		parent, err := e.store.GetWorkflow(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if err := e.store.UpdateWorkflowStatus(ctx, parentID, store.WorkflowStatusFailed); err != nil {
			return nil, err
		}
		if !parent.IsRoot() {
			qe, err := e.store.GetQueueEntryForChild(ctx, parentID)
			if err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("descendant workflow %d failed", failed.ID)
			if err := e.store.UpdateQueueEntryStatus(ctx, qe.ID, store.QueueEntryStatusFailed, &msg); err != nil {
				return nil, err
			}
		}
		if parent.IsRoot() {
			return nil, nil
		}
		return e.Advance(ctx, *parent.ParentWorkflowID)
	}

	complete, err := e.isComplete(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if complete {
		parent, err := e.store.GetWorkflow(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if err := e.store.UpdateWorkflowStatus(ctx, parentID, store.WorkflowStatusCompleted); err != nil {
			return nil, err
		}
		if !parent.IsRoot() {
			qe, err := e.store.GetQueueEntryForChild(ctx, parentID)
			if err != nil {
				return nil, err
			}
			if err := e.store.UpdateQueueEntryStatus(ctx, qe.ID, store.QueueEntryStatusCompleted, nil); err != nil {
				return nil, err
			}
		}
		if parent.IsRoot() {
			return nil, nil
		}
		return e.Advance(ctx, *parent.ParentWorkflowID)
	}

	return nil, nil
}

// checkForFailedChildren searches parentID's subtree for the first workflow
// in status failed, grounding the "mark parent failed ... referencing the
// first failed descendant" step.
func (e *Engine) checkForFailedChildren(ctx context.Context, parentID int64) (*store.Workflow, error) {
	descendants, err := e.store.Descendants(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, d := range descendants {
		if d.Status == store.WorkflowStatusFailed {
			return d, nil
		}
	}
	return nil, nil
}

// isComplete reports whether parentID's queue satisfies the three
// completion conditions. Condition (iii) — every completed child's own
// queue is itself recursively completed — holds inductively: an entry only
// ever reaches QueueEntryStatusCompleted via this same check having already
// passed for that child.
func (e *Engine) isComplete(ctx context.Context, parentID int64) (bool, error) {
	entries, err := e.store.ListQueueEntries(ctx, parentID)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}
	for _, qe := range entries {
		switch qe.Status {
		case store.QueueEntryStatusPending, store.QueueEntryStatusInProgress, store.QueueEntryStatusFailed:
			return false, nil
		}
	}
	return true, nil
}
