// Package checkpoint implements the CheckpointRewind operation: resetting a
// workflow tree back to its last known-good commit by cancelling
// and deleting everything downstream of that commit, then resetting the
// checkpoint node itself to pending so the Scheduler picks it up again.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/tracing"
)

// Result is what Rewind returns: the commit callers must reset the working
// directory to, and the ids it touched.
type Result struct {
	CheckpointCommit   string
	TargetModule       string
	ResetWorkflowIDs   []int64
	RemovedWorkflowIDs []int64
}

// Rewinder implements CheckpointRewind.
type Rewinder struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger
	grace time.Duration
}

// New builds a Rewinder. grace defaults to
// constants.CheckpointRewindGracePeriod if zero.
func New(s store.Store, b bus.EventBus, log *logger.Logger, grace time.Duration) *Rewinder {
	if log == nil {
		log = logger.Default()
	}
	if grace == 0 {
		grace = constants.CheckpointRewindGracePeriod
	}
	return &Rewinder{store: s, bus: b, log: log.WithFields(zap.String("component", "checkpoint")), grace: grace}
}

// Rewind resolves the checkpoint node within rootID's subtree (checkpointID
// if given, otherwise the most recently completed checkpointed node),
// cancels and deletes every workflow downstream of it, and resets the
// checkpoint node to pending. Callers are responsible for resetting the
// working directory's source control to the returned commit.
func (r *Rewinder) Rewind(ctx context.Context, rootID int64, checkpointID *int64) (_ *Result, err error) {
	ctx, span := tracing.TraceCheckpointRewind(ctx, rootID)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	node, err := r.resolveCheckpointNode(ctx, rootID, checkpointID)
	if err != nil {
		return nil, err
	}
	if node.CheckpointCommit == nil {
		return nil, fmt.Errorf("checkpoint: workflow %d has no checkpoint commit", node.ID)
	}

	removal, err := r.removalSet(ctx, node)
	if err != nil {
		return nil, err
	}
	removalIDs := make([]int64, 0, len(removal))
	for id := range removal {
		removalIDs = append(removalIDs, id)
	}
	sort.Slice(removalIDs, func(i, j int) bool { return removalIDs[i] < removalIDs[j] })

	if err := r.cancelRemovalSet(ctx, removalIDs); err != nil {
		return nil, err
	}

	select {
	case <-time.After(r.grace):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := r.deleteRemovalSet(ctx, removalIDs); err != nil {
		return nil, err
	}

	if err := r.store.ResetWorkflowForCheckpoint(ctx, node.ID); err != nil {
		return nil, err
	}
	if entry, err := r.store.GetQueueEntryForChild(ctx, node.ID); err == nil {
		if err := r.store.ResetQueueEntry(ctx, entry.ID); err != nil {
			return nil, err
		}
	} else if err != store.ErrNotFound {
		return nil, err
	}

	r.publish(ctx, node.ID)

	r.log.Info("rewound workflow tree to checkpoint",
		zap.Int64("root_id", rootID), zap.Int64("checkpoint_workflow_id", node.ID),
		zap.String("commit", *node.CheckpointCommit), zap.Int("removed", len(removalIDs)))

	return &Result{
		CheckpointCommit:   *node.CheckpointCommit,
		TargetModule:       node.TargetModule,
		ResetWorkflowIDs:   []int64{node.ID},
		RemovedWorkflowIDs: removalIDs,
	}, nil
}

// resolveCheckpointNode finds the checkpoint to rewind to: an explicit
// target, or otherwise the most recently checkpointed completed workflow
// in the tree.
func (r *Rewinder) resolveCheckpointNode(ctx context.Context, rootID int64, checkpointID *int64) (*store.Workflow, error) {
	if checkpointID != nil {
		w, err := r.store.GetWorkflow(ctx, *checkpointID)
		if err != nil {
			return nil, err
		}
		if w.CheckpointCommit == nil {
			return nil, fmt.Errorf("checkpoint: workflow %d has no checkpoint commit", w.ID)
		}
		return w, nil
	}

	root, err := r.store.GetWorkflow(ctx, rootID)
	if err != nil {
		return nil, err
	}
	descendants, err := r.store.Descendants(ctx, rootID)
	if err != nil {
		return nil, err
	}
	candidates := append([]*store.Workflow{root}, descendants...)

	var best *store.Workflow
	for _, w := range candidates {
		if w.Status != store.WorkflowStatusCompleted || w.CheckpointCommit == nil || w.CheckpointCreatedAt == nil {
			continue
		}
		if best == nil || w.CheckpointCreatedAt.After(*best.CheckpointCreatedAt) {
			best = w
		}
	}
	if best == nil {
		return nil, fmt.Errorf("checkpoint: no checkpointed completed workflow in tree rooted at %d", rootID)
	}
	return best, nil
}

// removalSet computes descendants of node, plus later siblings (by
// execution_order then id) and their descendants.
func (r *Rewinder) removalSet(ctx context.Context, node *store.Workflow) (map[int64]*store.Workflow, error) {
	out := make(map[int64]*store.Workflow)

	descendants, err := r.store.Descendants(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range descendants {
		out[d.ID] = d
	}

	if node.ParentWorkflowID != nil {
		siblings, err := r.store.ListChildren(ctx, *node.ParentWorkflowID)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			if sib.ID == node.ID {
				continue
			}
			if !laterThan(sib, node) {
				continue
			}
			out[sib.ID] = sib
			sibDescendants, err := r.store.Descendants(ctx, sib.ID)
			if err != nil {
				return nil, err
			}
			for _, d := range sibDescendants {
				out[d.ID] = d
			}
		}
	}

	return out, nil
}

// laterThan reports whether a sorts strictly after b by (execution_order, id).
func laterThan(a, b *store.Workflow) bool {
	if a.ExecutionOrder != b.ExecutionOrder {
		return a.ExecutionOrder > b.ExecutionOrder
	}
	return a.ID > b.ID
}

// cancelRemovalSet marks every removed workflow and its queue entry
// cancelled before the grace period.
func (r *Rewinder) cancelRemovalSet(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if err := r.store.UpdateWorkflowStatus(ctx, id, store.WorkflowStatusCancelled); err != nil {
			return err
		}
		if entry, err := r.store.GetQueueEntryForChild(ctx, id); err == nil {
			if err := r.store.UpdateQueueEntryStatus(ctx, entry.ID, store.QueueEntryStatusCancelled, nil); err != nil {
				return err
			}
		} else if err != store.ErrNotFound {
			return err
		}

		entries, err := r.store.ListQueueEntries(ctx, id)
		if err != nil {
			return err
		}
		for _, qe := range entries {
			if qe.Status == store.QueueEntryStatusCancelled {
				continue
			}
			if err := r.store.UpdateQueueEntryStatus(ctx, qe.ID, store.QueueEntryStatusCancelled, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteRemovalSet deletes in cascade order: agent_executions, artifacts,
// execution_logs, workflow_messages, queue entries, then workflow rows.
func (r *Rewinder) deleteRemovalSet(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.DeleteAgentExecutions(ctx, ids); err != nil {
		return err
	}
	if err := r.store.DeleteArtifacts(ctx, ids); err != nil {
		return err
	}
	if err := r.store.DeleteLogs(ctx, ids); err != nil {
		return err
	}
	if err := r.store.DeleteMessages(ctx, ids); err != nil {
		return err
	}

	entryIDs := make(map[int64]struct{})
	for _, id := range ids {
		if entry, err := r.store.GetQueueEntryForChild(ctx, id); err == nil {
			entryIDs[entry.ID] = struct{}{}
		} else if err != store.ErrNotFound {
			return err
		}
		entries, err := r.store.ListQueueEntries(ctx, id)
		if err != nil {
			return err
		}
		for _, qe := range entries {
			entryIDs[qe.ID] = struct{}{}
		}
	}
	if len(entryIDs) > 0 {
		ids := make([]int64, 0, len(entryIDs))
		for id := range entryIDs {
			ids = append(ids, id)
		}
		if err := r.store.DeleteQueueEntries(ctx, ids); err != nil {
			return err
		}
	}

	return r.store.DeleteWorkflows(ctx, ids)
}

func (r *Rewinder) publish(ctx context.Context, workflowID int64) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(events.WorkflowRewound, "checkpoint", map[string]interface{}{"workflowId": workflowID})
	if err := r.bus.Publish(ctx, events.BuildWorkflowSubject(workflowID), evt); err != nil {
		r.log.Warn("failed to publish event", zap.String("event_type", events.WorkflowRewound), zap.Error(err))
	}
}
