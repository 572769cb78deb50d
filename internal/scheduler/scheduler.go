// Package scheduler drives a workflow tree to termination: it owns the
// TreeLock for the tree it is driving, alternates between handing
// leaves to the AgentRunner and asking the QueueEngine what runs next, and
// publishes workflow-lifecycle events for UI subscribers along the way.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/queueengine"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/treelock"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
	ErrTreeBusy       = errors.New("scheduler: tree is already being driven")
)

// AgentRunner executes a leaf workflow's agent sequence. It is implemented
// by internal/agentrunner; declared here to avoid an import cycle back into
// this package.
type AgentRunner interface {
	Run(ctx context.Context, w *store.Workflow) error
}

// Config holds scheduler tuning parameters.
type Config struct {
	// MaxConcurrentTrees bounds how many trees may be driven at once.
	MaxConcurrentTrees int
	// TreeLockTTL is passed to Locker.Acquire for each tree dispatch.
	TreeLockTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTrees: 10,
		TreeLockTTL:        constants.DefaultTreeLockTTL,
	}
}

// Scheduler implements the tree-drive loop.
type Scheduler struct {
	store  store.Store
	qe     *queueengine.Engine
	locker treelock.Locker
	runner AgentRunner
	bus    bus.EventBus
	log    *logger.Logger
	cfg    Config

	mu      sync.Mutex
	running bool
	group   *errgroup.Group
	rootCtx context.Context
	cancel  context.CancelFunc

	dispatch singleflight.Group
}

// New builds a Scheduler.
func New(s store.Store, qe *queueengine.Engine, locker treelock.Locker, runner AgentRunner, b bus.EventBus, log *logger.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		store:  s,
		qe:     qe,
		locker: locker,
		runner: runner,
		bus:    b,
		log:    log.WithFields(zap.String("component", "scheduler")),
		cfg:    cfg,
	}
}

// Start makes the Scheduler ready to accept Run calls.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.rootCtx, s.cancel = context.WithCancel(ctx)
	s.group = &errgroup.Group{}
	s.group.SetLimit(s.cfg.MaxConcurrentTrees)
	s.running = true
	s.log.Info("scheduler started", zap.Int("max_concurrent_trees", s.cfg.MaxConcurrentTrees))
	return nil
}

// Stop cancels every in-flight tree and waits for its goroutine to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	cancel()
	err := group.Wait()
	s.log.Info("scheduler stopped")
	return err
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run dispatches the tree rooted at rootOf(startId) for driving, starting
// the drive loop at startId itself (which may be the root — a freshly
// created workflow — or any interior node, as Recovery's "schedule
// advance(parent)" step does). Concurrent Run calls racing for the same
// tree collapse into a single Acquire attempt via singleflight and share its
// result, so one goroutine drives the tree; a Run that makes its own Acquire
// attempt while the tree's lock is held gets ErrTreeBusy.
func (s *Scheduler) Run(ctx context.Context, startID int64) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	rootID, err := s.store.RootOf(ctx, startID)
	if err != nil {
		return err
	}

	key := strconv.FormatInt(rootID, 10)
	v, err, _ := s.dispatch.Do(key, func() (interface{}, error) {
		acquired, aerr := s.locker.Acquire(ctx, rootID, s.cfg.TreeLockTTL)
		if aerr != nil {
			return false, orcerr.Wrap(orcerr.KindTransientInfrastructure, rootID, "tree lock acquire failed", aerr)
		}
		if !acquired {
			return false, nil
		}
		s.group.Go(func() error {
			return s.driveTree(s.rootCtx, startID, rootID)
		})
		return true, nil
	})
	if err != nil {
		return err
	}
	if !v.(bool) {
		return ErrTreeBusy
	}
	return nil
}

// driveTree runs the drive loop. The caller must already hold the
// TreeLock for rootID; driveTree releases it exactly once, when the loop
// ends (whichever way it ends).
func (s *Scheduler) driveTree(ctx context.Context, startID, rootID int64) error {
	defer func() {
		if err := s.locker.Release(context.Background(), rootID); err != nil {
			s.log.Warn("failed to release tree lock", zap.Int64("root_workflow_id", rootID), zap.Error(err))
		}
	}()

	currentID := startID
	for currentID != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wlog := s.log.WithWorkflowID(currentID)

		w, err := s.store.GetWorkflow(ctx, currentID)
		if err != nil {
			wlog.Error("failed to load workflow", zap.Error(err))
			return err
		}
		if w.Status == store.WorkflowStatusCancelled {
			break
		}

		entries, err := s.store.ListQueueEntries(ctx, currentID)
		if err != nil {
			wlog.Error("failed to list queue entries", zap.Error(err))
			return err
		}

		var nextID *int64
		if len(entries) == 0 {
			// Leaf: run its agent sequence, then advance its parent's queue.
			if err := s.runner.Run(ctx, w); err != nil {
				wlog.Error("agent run failed", zap.Error(err))
			}
			if w.ParentWorkflowID == nil {
				s.publishWorkflowEvent(ctx, w.ID)
				break
			}
			nextID, err = s.qe.Advance(ctx, *w.ParentWorkflowID)
		} else {
			nextID, err = s.qe.Advance(ctx, currentID)
		}
		if err != nil {
			wlog.Error("advance failed", zap.Error(err))
			return err
		}

		s.publishWorkflowEvent(ctx, currentID)
		if nextID == nil {
			break
		}
		currentID = *nextID
	}
	return nil
}

// Resume implements the plain resume path: reset the target
// workflow to pending (leaving retry_count untouched — resume is for
// workflows a human force-failed or cancelled, not ones that actually
// exhausted an attempt), reset its queue entry to pending in its parent (if
// any), then call Run(root).
func (s *Scheduler) Resume(ctx context.Context, workflowID int64) error {
	if err := s.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowStatusPending); err != nil {
		return err
	}
	if err := s.resetOwnQueueEntry(ctx, workflowID); err != nil {
		return err
	}
	return s.Run(ctx, workflowID)
}

// Retry implements the retry path: identical to Resume except the
// workflow reset goes through store.ResetWorkflowForRetry, which also bumps
// retry_count — the distinction between "this workflow is trying again"
// and a bare resume of something that never actually ran to a failed
// attempt.
func (s *Scheduler) Retry(ctx context.Context, workflowID int64) error {
	if err := s.store.ResetWorkflowForRetry(ctx, workflowID); err != nil {
		return err
	}
	if err := s.resetOwnQueueEntry(ctx, workflowID); err != nil {
		return err
	}
	return s.Run(ctx, workflowID)
}

// resetOwnQueueEntry resets workflowID's entry in its parent's queue to
// pending, if it has a parent. Root workflows have no such entry.
func (s *Scheduler) resetOwnQueueEntry(ctx context.Context, workflowID int64) error {
	qe, err := s.store.GetQueueEntryForChild(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // root workflow: no queue entry of its own
	}
	if err != nil {
		return err
	}
	return s.store.ResetQueueEntry(ctx, qe.ID)
}

// publishWorkflowEvent re-reads workflowID and emits workflow:updated (or
// workflow:failed if its status just became failed) for UI subscribers.
// Cascaded ancestor transitions inside one Advance call are not individually
// re-published here; each ancestor gets its own event the next time
// driveTree visits it as currentID.
func (s *Scheduler) publishWorkflowEvent(ctx context.Context, workflowID int64) {
	if s.bus == nil {
		return
	}
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		s.log.WithWorkflowID(workflowID).Warn("failed to reload workflow for event", zap.Error(err))
		return
	}
	subject := events.BuildWorkflowSubject(workflowID)
	eventType := events.WorkflowUpdated
	if w.Status == store.WorkflowStatusFailed {
		eventType = events.WorkflowFailed
	}
	evt := bus.NewEvent(eventType, "scheduler", map[string]interface{}{
		"workflowId": w.ID,
		"status":     string(w.Status),
	})
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.log.Warn("failed to publish workflow event", zap.String("subject", subject), zap.Error(err))
	}
}
