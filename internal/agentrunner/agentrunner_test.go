package agentrunner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/agents"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/sqlitestore"
	"github.com/kandev/orchestrator/internal/workdir"
)

// fakeWorkdirs satisfies WorkdirProvisioner without touching git or Docker.
type fakeWorkdirs struct {
	commit string
}

func (f *fakeWorkdirs) Provision(ctx context.Context, workflowID int64) (*workdir.Workdir, error) {
	return &workdir.Workdir{WorkflowID: workflowID, Path: os.TempDir()}, nil
}

func (f *fakeWorkdirs) LatestCommit(ctx context.Context, wd *workdir.Workdir) (string, error) {
	return f.commit, nil
}

func (f *fakeWorkdirs) Cleanup(ctx context.Context, wd *workdir.Workdir) error { return nil }

// fakeInterrupts replays a fixed queue of signals, one per Check call, then
// reports none. Tests assert against processed to confirm MarkProcessed ran.
type fakeInterrupts struct {
	mu        sync.Mutex
	queue     []*Signal
	processed []int64
}

func (f *fakeInterrupts) Check(ctx context.Context, workflowID int64) (*Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	sig := f.queue[0]
	f.queue = f.queue[1:]
	return sig, nil
}

func (f *fakeInterrupts) MarkProcessed(ctx context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, messageID)
	return nil
}

func bugfixSteps() []string {
	return store.WorkflowTypeBugfix.AgentSequence()
}

func newTestRunner(t *testing.T, interrupts Interrupts, commit string) (*Runner, store.Store) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry, err := agents.NewRegistry(nil, bugfixSteps(), time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PauseTimeout = 200 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	r := New(s, registry, interrupts, &fakeWorkdirs{commit: commit}, nil, nil, cfg)
	return r, s
}

func TestRunExecutesFullSequenceToCompletion(t *testing.T) {
	r, s := newTestRunner(t, &fakeInterrupts{}, "deadbeef")
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "root", Payload: []byte(`{"taskDescription":"fix it"}`),
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	if err := r.Run(ctx, w); err != nil {
		t.Fatalf("run: %v", err)
	}

	reloaded, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reloaded.Status != store.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", reloaded.Status)
	}
	if reloaded.CheckpointCommit == nil || *reloaded.CheckpointCommit != "deadbeef" {
		t.Errorf("expected checkpoint commit deadbeef, got %v", reloaded.CheckpointCommit)
	}

	execs, err := s.ListAgentExecutions(ctx, w.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != len(bugfixSteps()) {
		t.Fatalf("expected %d agent executions, got %d", len(bugfixSteps()), len(execs))
	}
	for _, e := range execs {
		if e.Status != store.AgentExecutionStatusCompleted {
			t.Errorf("step %s: expected completed, got %s", e.AgentType, e.Status)
		}
	}
}

func TestRunUpdatesOwnQueueEntryOnCompletion(t *testing.T) {
	r, s := newTestRunner(t, &fakeInterrupts{}, "")
	ctx := context.Background()

	root, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "root", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create root: %v", err)
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

	if err := r.Run(ctx, child); err != nil {
		t.Fatalf("run: %v", err)
	}

	reloadedEntry, err := s.GetQueueEntryForChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if reloadedEntry.ID != entry.ID || reloadedEntry.Status != store.QueueEntryStatusCompleted {
		t.Errorf("expected own queue entry completed, got %+v", reloadedEntry)
	}
}

func TestRunFailureStopsSequenceAndFailsQueueEntry(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "fail.sh")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	steps := bugfixSteps() // plan, code, test, review
	manifestPath := filepath.Join(t.TempDir(), "agents.yaml")
	manifestYAML := "agents:\n  test:\n    kind: command\n    command: " + scriptPath + "\n"
	if err := os.WriteFile(manifestPath, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	manifest, err := agents.LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	registry, err := agents.NewRegistry(manifest, steps, time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	r := New(s, registry, &fakeInterrupts{}, &fakeWorkdirs{}, nil, nil, DefaultConfig())

	root, err := s.CreateWorkflow(ctx(), store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "root", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err := s.CreateWorkflow(ctx(), store.NewWorkflow{
		Type: store.WorkflowTypeBugfix, Title: "child", Payload: []byte(`{}`),
		ParentWorkflowID: &root.ID, ExecutionOrder: 0,
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := s.CreateQueueEntry(ctx(), store.NewQueueEntry{ParentWorkflowID: root.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0}); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	if err := r.Run(ctx(), child); err != nil {
		t.Fatalf("run: %v", err)
	}

	reloaded, err := s.GetWorkflow(ctx(), child.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reloaded.Status != store.WorkflowStatusFailed {
		t.Fatalf("expected failed, got %s", reloaded.Status)
	}

	entry, err := s.GetQueueEntryForChild(ctx(), child.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if entry.Status != store.QueueEntryStatusFailed {
		t.Errorf("expected queue entry failed, got %s", entry.Status)
	}

	execs, err := s.ListAgentExecutions(ctx(), child.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("expected plan+code+test executions only (review skipped), got %d", len(execs))
	}
}

func ctx() context.Context { return context.Background() }

func TestRunHandlesPauseThenUnpause(t *testing.T) {
	interrupts := &fakeInterrupts{queue: []*Signal{{MessageID: 7, Action: store.ActionTypePause}}}
	r, s := newTestRunner(t, interrupts, "")

	w, err := s.CreateWorkflow(ctx(), store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "paused", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.UpdateWorkflowPause(ctx(), w.ID, true, nil); err != nil {
		t.Fatalf("set paused: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx(), w) }()

	time.Sleep(40 * time.Millisecond)
	if err := s.UpdateWorkflowPause(ctx(), w.ID, false, nil); err != nil {
		t.Fatalf("unpause: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after unpause")
	}

	reloaded, err := s.GetWorkflow(ctx(), w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reloaded.Status != store.WorkflowStatusCompleted {
		t.Fatalf("expected completed after unpause, got %s", reloaded.Status)
	}

	interrupts.mu.Lock()
	defer interrupts.mu.Unlock()
	if len(interrupts.processed) != 1 || interrupts.processed[0] != 7 {
		t.Errorf("expected message 7 marked processed, got %v", interrupts.processed)
	}
}

func TestRunHandlesCancel(t *testing.T) {
	interrupts := &fakeInterrupts{queue: []*Signal{{MessageID: 9, Action: store.ActionTypeCancel}}}
	r, s := newTestRunner(t, interrupts, "")

	w, err := s.CreateWorkflow(ctx(), store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "cancel-me", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	if err := r.Run(ctx(), w); err != nil {
		t.Fatalf("run: %v", err)
	}

	reloaded, err := s.GetWorkflow(ctx(), w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reloaded.Status != store.WorkflowStatusCancelled {
		t.Fatalf("expected cancelled, got %s", reloaded.Status)
	}

	execs, err := s.ListAgentExecutions(ctx(), w.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("expected no agent executions before cancel, got %d", len(execs))
	}
}
