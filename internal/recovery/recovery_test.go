package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/queueengine"
	"github.com/kandev/orchestrator/internal/scheduler"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/sqlitestore"
	"github.com/kandev/orchestrator/internal/treelock/sqlitelock"
)

// noopRunner immediately completes any leaf handed to it, so rescheduled
// trees drain without a real agent sequence.
type noopRunner struct {
	store store.Store
	mu    sync.Mutex
	ran   []int64
}

func (n *noopRunner) Run(ctx context.Context, w *store.Workflow) error {
	n.mu.Lock()
	n.ran = append(n.ran, w.ID)
	n.mu.Unlock()
	return n.store.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted)
}

func newTestRecovery(t *testing.T, freshness time.Duration) (*Recovery, store.Store, *scheduler.Scheduler) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	locker := sqlitelock.New(s.DB())
	qe := queueengine.New(s, nil)
	sched := scheduler.New(s, qe, locker, &noopRunner{store: s}, bus.NewMemoryEventBus(nil), nil, scheduler.DefaultConfig())
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() { sched.Stop() })

	return New(s, locker, sched, nil, freshness), s, sched
}

func TestRunResetsStaleActiveWorkflowAndFailsRunningExecution(t *testing.T) {
	r, s, _ := newTestRecovery(t, time.Millisecond)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "stuck", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCoding); err != nil {
		t.Fatalf("set coding: %v", err)
	}
	exec, err := s.CreateAgentExecution(ctx, store.NewAgentExecution{WorkflowID: w.ID, AgentType: "code", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := s.UpdateAgentExecutionStatus(ctx, exec.ID, store.AgentExecutionStatusRunning, nil, nil); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // ensure updated_at is older than the 1ms freshness threshold

	result, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(result.RecoveredWorkflowIDs) != 1 || result.RecoveredWorkflowIDs[0] != w.ID {
		t.Fatalf("expected workflow %d recovered, got %v", w.ID, result.RecoveredWorkflowIDs)
	}

	reloadedExec, err := s.ListAgentExecutions(ctx, w.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(reloadedExec) != 1 || reloadedExec[0].Status != store.AgentExecutionStatusFailed {
		t.Fatalf("expected running execution marked failed, got %+v", reloadedExec)
	}
	if reloadedExec[0].ErrorMessage == nil || *reloadedExec[0].ErrorMessage != recoveredReason {
		t.Errorf("expected error message %q, got %v", recoveredReason, reloadedExec[0].ErrorMessage)
	}
}

func TestRunLeavesFreshActiveWorkflowAlone(t *testing.T) {
	r, s, _ := newTestRecovery(t, time.Hour)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "fresh", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCoding); err != nil {
		t.Fatalf("set coding: %v", err)
	}

	result, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(result.RecoveredWorkflowIDs) != 0 {
		t.Fatalf("expected no recovered workflows, got %v", result.RecoveredWorkflowIDs)
	}

	reloaded, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reloaded.Status != store.WorkflowStatusCoding {
		t.Errorf("expected status untouched, got %s", reloaded.Status)
	}
}

func TestRunSkipsOrphanedPendingQueueEntries(t *testing.T) {
	r, s, _ := newTestRecovery(t, time.Hour)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "root", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, root.ID, store.WorkflowStatusFailed); err != nil {
		t.Fatalf("fail root: %v", err)
	}
	child, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "child", Payload: []byte(`{}`),
		ParentWorkflowID: &root.ID, ExecutionOrder: 0,
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	entry, err := s.CreateQueueEntry(ctx, store.NewQueueEntry{ParentWorkflowID: root.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}

	result, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if result.SkippedQueueEntries != 1 {
		t.Fatalf("expected one skipped queue entry, got %d", result.SkippedQueueEntries)
	}

	reloadedEntry, err := s.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if reloadedEntry.Status != store.QueueEntryStatusSkipped {
		t.Errorf("expected skipped, got %s", reloadedEntry.Status)
	}
}

func TestRunClearsTreeLocksBeforeRescheduling(t *testing.T) {
	r, s, _ := newTestRecovery(t, time.Millisecond)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "leaf", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCoding); err != nil {
		t.Fatalf("set coding: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Simulate a crashed process that left the tree lock held.
	if _, err := r.locker.Acquire(ctx, w.ID, time.Hour); err != nil {
		t.Fatalf("simulate held lock: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("run recovery: %v", err)
	}

	waitDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitDeadline) {
		reloaded, err := s.GetWorkflow(ctx, w.ID)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if reloaded.Status == store.WorkflowStatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected recovered workflow to be driven to completion after lock was cleared")
}
