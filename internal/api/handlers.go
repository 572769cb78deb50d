package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orcerr"
	"github.com/kandev/orchestrator/internal/store"
)

// Handler contains the HTTP handlers of the workflow management API.
type Handler struct {
	service *Service
	log     *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{service: service, log: log.WithFields(zap.String("component", "orchestrator-api"))}
}

// respond writes {success:true, data} on success.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// fail writes {success:false, error} with a status derived from err's
// orcerr.Kind (store.ErrNotFound maps to 404; anything else falls back to
// orcerr's default mapping for an unclassified error).
func (h *Handler) fail(c *gin.Context, workflowID int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
		return
	}
	kind, ok := orcerr.KindOf(err)
	if !ok {
		h.log.Error("unclassified error", zap.Int64("workflow_id", workflowID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(orcerr.HTTPStatus(kind), gin.H{"success": false, "error": err.Error()})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid workflow id"})
		return 0, false
	}
	return id, true
}

// CreateWorkflow handles POST /workflows/manual.
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	w, err := h.service.CreateWorkflow(c.Request.Context(), req)
	if err != nil {
		h.fail(c, 0, err)
		return
	}
	respond(c, http.StatusCreated, w)
}

// ListWorkflows handles GET /workflows.
func (h *Handler) ListWorkflows(c *gin.Context) {
	var f store.ListFilter
	if raw := c.Query("status"); raw != "" {
		status := store.WorkflowStatus(raw)
		f.Status = &status
	}
	if raw := c.Query("targetModule"); raw != "" {
		f.TargetModule = &raw
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Offset = n
		}
	}
	f.IncludeChildren = c.Query("include_children") == "true"

	workflows, err := h.service.ListWorkflows(c.Request.Context(), f)
	if err != nil {
		h.fail(c, 0, err)
		return
	}
	respond(c, http.StatusOK, workflows)
}

// GetWorkflow handles GET /workflows/:id.
func (h *Handler) GetWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	detail, err := h.service.GetWorkflowDetail(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, detail)
}

// CancelWorkflow handles DELETE /workflows/:id.
func (h *Handler) CancelWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.CancelWorkflow(c.Request.Context(), id); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflowId": id, "status": "cancelled"})
}

// Pause handles POST /workflows/:id/pause.
func (h *Handler) Pause(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req PauseRequest
	_ = c.ShouldBindJSON(&req) // empty body is fine; pause works with no reason
	if err := h.service.Pause(c.Request.Context(), id, req.Reason); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflowId": id, "isPaused": true})
}

// Unpause handles POST /workflows/:id/unpause.
func (h *Handler) Unpause(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.Unpause(c.Request.Context(), id); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflowId": id, "isPaused": false})
}

// ForceFail handles POST /workflows/:id/force-fail.
func (h *Handler) ForceFail(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ForceFailRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.service.ForceFail(c.Request.Context(), id, req.Reason); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflowId": id, "status": "failed"})
}

// Resume handles POST /workflows/:id/resume.
func (h *Handler) Resume(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.Resume(c.Request.Context(), id); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"workflowId": id, "status": "pending"})
}

// Retry handles POST /workflows/:id/retry.
func (h *Handler) Retry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.Retry(c.Request.Context(), id); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"workflowId": id, "status": "pending"})
}

// Skip handles POST /workflows/:id/skip.
func (h *Handler) Skip(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.Skip(c.Request.Context(), id); err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflowId": id, "status": "skipped"})
}

// ListMessages handles GET /workflows/:id/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, offset := 50, 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			offset = n
		}
	}
	messages, err := h.service.ListMessages(c.Request.Context(), id, limit, offset)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, messages)
}

// PostMessage handles POST /workflows/:id/messages.
func (h *Handler) PostMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	msg, err := h.service.PostMessage(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusCreated, msg)
}

// ListCheckpoints handles GET /workflows/:id/checkpoints.
func (h *Handler) ListCheckpoints(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	checkpoints, err := h.service.ListCheckpoints(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, checkpoints)
}

// LastCheckpoint handles GET /workflows/:id/last-checkpoint.
func (h *Handler) LastCheckpoint(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	w, err := h.service.LastCheckpoint(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, w)
}

// ResumeFromCheckpoint handles POST /workflows/:id/resume-from-checkpoint.
func (h *Handler) ResumeFromCheckpoint(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ResumeFromCheckpointRequest
	_ = c.ShouldBindJSON(&req)
	result, err := h.service.ResumeFromCheckpoint(c.Request.Context(), id, req.CheckpointWorkflowID)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, result)
}

// ResumeState handles GET /workflows/:id/resume-state.
func (h *Handler) ResumeState(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	state, err := h.service.ResumeState(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, state)
}

// ListLogs handles GET /workflows/:id/logs.
func (h *Handler) ListLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var agentExecutionID *int64
	if raw := c.Query("agentExecutionId"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			agentExecutionID = &n
		}
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	logs, err := h.service.ListLogs(c.Request.Context(), id, agentExecutionID, limit)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	respond(c, http.StatusOK, logs)
}

// Health handles GET /health: process liveness, no dependency checks.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /ready: a startup failure to reach the DB or lock store
// is fatal, but here the same check is re-run live on every request so a
// load balancer can route around an instance that lost its DB mid-flight.
func (h *Handler) Ready(c *gin.Context) {
	if err := h.service.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
