package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/queueengine"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/sqlitestore"
	"github.com/kandev/orchestrator/internal/treelock/sqlitelock"
)

// mockAgentRunner implements AgentRunner for testing.
type mockAgentRunner struct {
	mu        sync.Mutex
	ranIDs    []int64
	failIDs   map[int64]bool
	completer func(ctx context.Context, s store.Store, w *store.Workflow) error
}

func newMockAgentRunner() *mockAgentRunner {
	return &mockAgentRunner{failIDs: make(map[int64]bool)}
}

func (m *mockAgentRunner) Run(ctx context.Context, w *store.Workflow) error {
	m.mu.Lock()
	m.ranIDs = append(m.ranIDs, w.ID)
	fail := m.failIDs[w.ID]
	m.mu.Unlock()

	if m.completer != nil {
		return m.completer(ctx, nil, w)
	}
	if fail {
		return nil // completer/test drives the actual status transition
	}
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, store.Store, *mockAgentRunner) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	locker := sqlitelock.New(s.DB())
	qe := queueengine.New(s, nil)
	runner := newMockAgentRunner()
	b := bus.NewMemoryEventBus(nil)

	cfg := DefaultConfig()
	cfg.TreeLockTTL = 2 * time.Second
	sched := New(s, qe, locker, runner, b, nil, cfg)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() { sched.Stop() })
	return sched, s, runner
}

func waitForStatus(t *testing.T, s store.Store, id int64, want store.WorkflowStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := s.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if w.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %d did not reach status %s in time", id, want)
}

func TestRunDrivesSingleLeafToCompletion(t *testing.T) {
	sched, s, runner := newTestScheduler(t)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type:    store.WorkflowTypeBugfix,
		Title:   "leaf-only",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	runner.completer = func(ctx context.Context, _ store.Store, w *store.Workflow) error {
		return s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted)
	}

	if err := sched.Run(ctx, root.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitForStatus(t, s, root.ID, store.WorkflowStatusCompleted)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.ranIDs) != 1 || runner.ranIDs[0] != root.ID {
		t.Errorf("expected runner to have run root once, got %v", runner.ranIDs)
	}
}

func TestRunDrivesChildrenThenCompletesParent(t *testing.T) {
	sched, s, runner := newTestScheduler(t)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type:    store.WorkflowTypeBugfix,
		Title:   "parent",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child1, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "c1", Payload: []byte(`{}`),
		ParentWorkflowID: &root.ID, ExecutionOrder: 0,
	})
	if err != nil {
		t.Fatalf("create child1: %v", err)
	}
	child2, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "c2", Payload: []byte(`{}`),
		ParentWorkflowID: &root.ID, ExecutionOrder: 1,
	})
	if err != nil {
		t.Fatalf("create child2: %v", err)
	}
	if _, err := s.CreateQueueEntry(ctx, store.NewQueueEntry{
		ParentWorkflowID: root.ID, ChildWorkflowID: child1.ID, ExecutionOrder: 0,
	}); err != nil {
		t.Fatalf("create entry1: %v", err)
	}
	if _, err := s.CreateQueueEntry(ctx, store.NewQueueEntry{
		ParentWorkflowID: root.ID, ChildWorkflowID: child2.ID, ExecutionOrder: 1, DependsOn: []int{0},
	}); err != nil {
		t.Fatalf("create entry2: %v", err)
	}

	runner.completer = func(ctx context.Context, _ store.Store, w *store.Workflow) error {
		return s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted)
	}

	if err := sched.Run(ctx, root.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitForStatus(t, s, root.ID, store.WorkflowStatusCompleted)
	waitForStatus(t, s, child1.ID, store.WorkflowStatusCompleted)
	waitForStatus(t, s, child2.ID, store.WorkflowStatusCompleted)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.ranIDs) != 2 {
		t.Fatalf("expected both children run, got %v", runner.ranIDs)
	}
	if runner.ranIDs[0] != child1.ID || runner.ranIDs[1] != child2.ID {
		t.Errorf("expected child1 before child2 per depends_on, got %v", runner.ranIDs)
	}
}

func TestRunPropagatesLeafFailureToRoot(t *testing.T) {
	sched, s, runner := newTestScheduler(t)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "parent", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "c1", Payload: []byte(`{}`),
		ParentWorkflowID: &root.ID, ExecutionOrder: 0,
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := s.CreateQueueEntry(ctx, store.NewQueueEntry{
		ParentWorkflowID: root.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0,
	}); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	runner.completer = func(ctx context.Context, _ store.Store, w *store.Workflow) error {
		return s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusFailed)
	}

	if err := sched.Run(ctx, root.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitForStatus(t, s, child.ID, store.WorkflowStatusFailed)
	waitForStatus(t, s, root.ID, store.WorkflowStatusFailed)
}

func TestRunRejectsConcurrentDispatchOfSameTree(t *testing.T) {
	sched, s, runner := newTestScheduler(t)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "slow", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	block := make(chan struct{})
	runner.completer = func(ctx context.Context, _ store.Store, w *store.Workflow) error {
		<-block
		return s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted)
	}

	if err := sched.Run(ctx, root.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Give the goroutine time to acquire the tree lock before the second
	// dispatch attempt races in.
	time.Sleep(20 * time.Millisecond)

	if err := sched.Run(ctx, root.ID); err != ErrTreeBusy {
		t.Errorf("expected ErrTreeBusy for concurrent dispatch, got %v", err)
	}

	close(block)
	waitForStatus(t, s, root.ID, store.WorkflowStatusCompleted)
}

func TestResumeRedrivesFailedWorkflow(t *testing.T) {
	sched, s, runner := newTestScheduler(t)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "resumable", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, root.ID, store.WorkflowStatusFailed); err != nil {
		t.Fatalf("fail root: %v", err)
	}

	runner.completer = func(ctx context.Context, _ store.Store, w *store.Workflow) error {
		return s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted)
	}

	if err := sched.Resume(ctx, root.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	waitForStatus(t, s, root.ID, store.WorkflowStatusCompleted)
}

func TestRetryIncrementsRetryCount(t *testing.T) {
	sched, s, runner := newTestScheduler(t)
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "retryable", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, root.ID, store.WorkflowStatusFailed); err != nil {
		t.Fatalf("fail root: %v", err)
	}

	runner.completer = func(ctx context.Context, _ store.Store, w *store.Workflow) error {
		return s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted)
	}

	if err := sched.Retry(ctx, root.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	waitForStatus(t, s, root.ID, store.WorkflowStatusCompleted)

	reloaded, err := s.GetWorkflow(ctx, root.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reloaded.RetryCount != 1 {
		t.Errorf("expected retry_count 1 after retry, got %d", reloaded.RetryCount)
	}
}
