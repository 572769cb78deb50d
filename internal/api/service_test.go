package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestrator/internal/checkpoint"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/interrupts"
	"github.com/kandev/orchestrator/internal/queueengine"
	"github.com/kandev/orchestrator/internal/scheduler"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/sqlitestore"
	"github.com/kandev/orchestrator/internal/treelock/sqlitelock"
)

// noopAgentRunner never completes a workflow on its own; tests drive status
// transitions directly through the store, exactly as scheduler's own tests do.
type noopAgentRunner struct{}

func (noopAgentRunner) Run(ctx context.Context, w *store.Workflow) error { return nil }

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	locker := sqlitelock.New(s.DB())
	qe := queueengine.New(s, nil)
	b := bus.NewMemoryEventBus(nil)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TreeLockTTL = 2 * time.Second
	sched := scheduler.New(s, qe, locker, noopAgentRunner{}, b, nil, schedCfg)

	im := interrupts.New(s, b, nil)
	rw := checkpoint.New(s, b, nil, time.Millisecond)

	svc := NewService(s, sched, im, rw, b, nil)
	return NewHandler(svc, nil), s
}

func newTestRouter(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, s := newTestHandler(t)
	router := gin.New()
	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)
	v1 := router.Group("/api/v1/orchestrator")
	SetupRoutes(v1, handler.service, handler.log)
	return router, s
}

func TestCreateWorkflowReturnsCreated(t *testing.T) {
	router, _ := newTestRouter(t)

	body := strings.NewReader(`{"workflowType":"bugfix","targetModule":"billing","taskDescription":"fix the thing"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/workflows/manual", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Errorf("expected success envelope, got %s", rec.Body.String())
	}
}

func TestGetWorkflowNotFoundReturns404(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orchestrator/workflows/999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelAlreadyTerminalWorkflowReturnsClientError(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "t", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusCompleted); err != nil {
		t.Fatalf("complete workflow: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/orchestrator/workflows/"+strconv.FormatInt(w.ID, 10), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelWorkflowCascadesToChildren(t *testing.T) {
	router, s := newTestRouter(t)
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
	if err := s.UpdateWorkflowStatus(ctx, child.ID, store.WorkflowStatusCoding); err != nil {
		t.Fatalf("set child coding: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/orchestrator/workflows/"+strconv.FormatInt(root.ID, 10), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	reloadedChild, err := s.GetWorkflow(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if reloadedChild.Status != store.WorkflowStatusCancelled {
		t.Errorf("expected child cancelled, got %s", reloadedChild.Status)
	}
}

func TestPauseAndUnpauseWorkflow(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "t", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	pauseReq := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/workflows/"+strconv.FormatInt(w.ID, 10)+"/pause", strings.NewReader(`{"reason":"investigating"}`))
	pauseReq.Header.Set("Content-Type", "application/json")
	pauseRec := httptest.NewRecorder()
	router.ServeHTTP(pauseRec, pauseReq)
	if pauseRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on pause, got %d: %s", pauseRec.Code, pauseRec.Body.String())
	}

	reloaded, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if !reloaded.IsPaused {
		t.Fatal("expected workflow paused")
	}

	unpauseReq := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/workflows/"+strconv.FormatInt(w.ID, 10)+"/unpause", nil)
	unpauseRec := httptest.NewRecorder()
	router.ServeHTTP(unpauseRec, unpauseReq)
	if unpauseRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on unpause, got %d: %s", unpauseRec.Code, unpauseRec.Body.String())
	}
}

func TestSkipRootWorkflowReturnsClientError(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "root", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/workflows/"+strconv.FormatInt(w.ID, 10)+"/skip", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	router, _ := newTestRouter(t)

	healthReq := httptest.NewRequest(http.MethodGet, "/health", nil)
	healthRec := httptest.NewRecorder()
	router.ServeHTTP(healthRec, healthReq)
	if healthRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on /health, got %d", healthRec.Code)
	}

	readyReq := httptest.NewRequest(http.MethodGet, "/ready", nil)
	readyRec := httptest.NewRecorder()
	router.ServeHTTP(readyRec, readyReq)
	if readyRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on /ready, got %d", readyRec.Code)
	}
}

func TestResumeStateForFailedWorkflow(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, store.NewWorkflow{Type: store.WorkflowTypeBugfix, Title: "t", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if err := s.UpdateWorkflowStatus(ctx, w.ID, store.WorkflowStatusFailed); err != nil {
		t.Fatalf("fail workflow: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orchestrator/workflows/"+strconv.FormatInt(w.ID, 10)+"/resume-state", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"canResume":true`) {
		t.Errorf("expected canResume true, got %s", rec.Body.String())
	}
}
