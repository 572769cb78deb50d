package queueengine

import (
	"context"
	"testing"

	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/sqlitestore"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func mustCreateWorkflow(t *testing.T, s store.Store, parent *int64, order int) *store.Workflow {
	t.Helper()
	w, err := s.CreateWorkflow(context.Background(), store.NewWorkflow{
		Type:             store.WorkflowTypeBugfix,
		Title:            "test",
		Payload:          []byte(`{}`),
		ParentWorkflowID: parent,
		ExecutionOrder:   order,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func mustCreateEntry(t *testing.T, s store.Store, parentID, childID int64, order int, dependsOn []int) *store.QueueEntry {
	t.Helper()
	qe, err := s.CreateQueueEntry(context.Background(), store.NewQueueEntry{
		ParentWorkflowID: parentID,
		ChildWorkflowID:  childID,
		ExecutionOrder:   order,
		DependsOn:        dependsOn,
	})
	if err != nil {
		t.Fatalf("create queue entry: %v", err)
	}
	return qe
}

func TestNextExecutableRespectsDependsOn(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	root := mustCreateWorkflow(t, s, nil, 0)
	child1 := mustCreateWorkflow(t, s, &root.ID, 0)
	child2 := mustCreateWorkflow(t, s, &root.ID, 1)
	mustCreateEntry(t, s, root.ID, child1.ID, 0, nil)
	mustCreateEntry(t, s, root.ID, child2.ID, 1, []int{0})

	next, err := e.NextExecutable(ctx, root.ID)
	if err != nil {
		t.Fatalf("nextExecutable: %v", err)
	}
	if next == nil || next.ChildWorkflowID != child1.ID {
		t.Fatalf("expected child1 first, got %+v", next)
	}

	entry1, err := s.GetQueueEntryForChild(ctx, child1.ID)
	if err != nil {
		t.Fatalf("get entry1: %v", err)
	}
	if err := s.UpdateQueueEntryStatus(ctx, entry1.ID, store.QueueEntryStatusCompleted, nil); err != nil {
		t.Fatalf("complete entry1: %v", err)
	}

	next, err = e.NextExecutable(ctx, root.ID)
	if err != nil {
		t.Fatalf("nextExecutable after dep satisfied: %v", err)
	}
	if next == nil || next.ChildWorkflowID != child2.ID {
		t.Fatalf("expected child2 once dependency satisfied, got %+v", next)
	}
}

func TestAdvanceMarksNextChildInProgress(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	root := mustCreateWorkflow(t, s, nil, 0)
	child := mustCreateWorkflow(t, s, &root.ID, 0)
	mustCreateEntry(t, s, root.ID, child.ID, 0, nil)

	nextID, err := e.Advance(ctx, root.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if nextID == nil || *nextID != child.ID {
		t.Fatalf("expected advance to return child id, got %v", nextID)
	}

	entry, err := s.GetQueueEntryForChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != store.QueueEntryStatusInProgress {
		t.Errorf("expected entry in_progress, got %s", entry.Status)
	}
}

func TestAdvanceCompletionCascadesToGrandparent(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	root := mustCreateWorkflow(t, s, nil, 0)
	mid := mustCreateWorkflow(t, s, &root.ID, 0)
	leaf := mustCreateWorkflow(t, s, &mid.ID, 0)

	mustCreateEntry(t, s, root.ID, mid.ID, 0, nil)
	leafEntry := mustCreateEntry(t, s, mid.ID, leaf.ID, 0, nil)

	if err := s.UpdateQueueEntryStatus(ctx, leafEntry.ID, store.QueueEntryStatusCompleted, nil); err != nil {
		t.Fatalf("complete leaf entry: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, leaf.ID, store.WorkflowStatusCompleted); err != nil {
		t.Fatalf("complete leaf workflow: %v", err)
	}

	if _, err := e.Advance(ctx, mid.ID); err != nil {
		t.Fatalf("advance(mid): %v", err)
	}

	midWF, err := s.GetWorkflow(ctx, mid.ID)
	if err != nil {
		t.Fatalf("get mid: %v", err)
	}
	if midWF.Status != store.WorkflowStatusCompleted {
		t.Errorf("expected mid completed, got %s", midWF.Status)
	}

	midEntry, err := s.GetQueueEntryForChild(ctx, mid.ID)
	if err != nil {
		t.Fatalf("get mid entry: %v", err)
	}
	if midEntry.Status != store.QueueEntryStatusCompleted {
		t.Errorf("expected mid's own queue entry completed, got %s", midEntry.Status)
	}

	rootWF, err := s.GetWorkflow(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if rootWF.Status != store.WorkflowStatusCompleted {
		t.Errorf("expected completion to cascade to root, got %s", rootWF.Status)
	}
}

func TestAdvancePropagatesFailureToRoot(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	root := mustCreateWorkflow(t, s, nil, 0)
	mid := mustCreateWorkflow(t, s, &root.ID, 0)
	leaf := mustCreateWorkflow(t, s, &mid.ID, 0)

	mustCreateEntry(t, s, root.ID, mid.ID, 0, nil)
	leafEntry := mustCreateEntry(t, s, mid.ID, leaf.ID, 0, nil)

	if err := s.UpdateQueueEntryStatus(ctx, leafEntry.ID, store.QueueEntryStatusFailed, nil); err != nil {
		t.Fatalf("fail leaf entry: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, leaf.ID, store.WorkflowStatusFailed); err != nil {
		t.Fatalf("fail leaf workflow: %v", err)
	}

	if _, err := e.Advance(ctx, mid.ID); err != nil {
		t.Fatalf("advance(mid): %v", err)
	}

	midWF, err := s.GetWorkflow(ctx, mid.ID)
	if err != nil {
		t.Fatalf("get mid: %v", err)
	}
	if midWF.Status != store.WorkflowStatusFailed {
		t.Errorf("expected mid failed, got %s", midWF.Status)
	}

	midEntry, err := s.GetQueueEntryForChild(ctx, mid.ID)
	if err != nil {
		t.Fatalf("get mid entry: %v", err)
	}
	if midEntry.Status != store.QueueEntryStatusFailed {
		t.Errorf("expected mid's entry in root's queue failed, got %s", midEntry.Status)
	}
	if midEntry.ErrorMessage == nil {
		t.Error("expected mid's failed entry to carry a message referencing the failed descendant")
	}

	rootWF, err := s.GetWorkflow(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if rootWF.Status != store.WorkflowStatusFailed {
		t.Errorf("expected failure to propagate to root, got %s", rootWF.Status)
	}
}

func TestNextExecutableDetectsDeadlock(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	root := mustCreateWorkflow(t, s, nil, 0)
	child1 := mustCreateWorkflow(t, s, &root.ID, 0)
	child2 := mustCreateWorkflow(t, s, &root.ID, 1)

	entry1 := mustCreateEntry(t, s, root.ID, child1.ID, 0, nil)
	mustCreateEntry(t, s, root.ID, child2.ID, 1, []int{0})

	if err := s.UpdateQueueEntryStatus(ctx, entry1.ID, store.QueueEntryStatusFailed, nil); err != nil {
		t.Fatalf("fail entry1: %v", err)
	}

	// entry1 is now failed (not completed), so entry2's dependency on order 0
	// can never be satisfied: this is the deadlock case (step 5), distinct
	// from the all-terminal-like case (step 4) because entry2 is still
	// pending.
	next, err := e.NextExecutable(ctx, root.ID)
	if err != nil {
		t.Fatalf("nextExecutable: %v", err)
	}
	if next != nil {
		t.Errorf("expected none on unsatisfiable dependency, got %+v", next)
	}
}
