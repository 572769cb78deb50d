package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestrator/internal/common/httpmw"
	"github.com/kandev/orchestrator/internal/common/logger"
)

// SetupRoutes registers the workflow management HTTP surface onto router.
func SetupRoutes(router *gin.RouterGroup, service *Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	router.POST("/workflows/manual", handler.CreateWorkflow)
	router.GET("/workflows", handler.ListWorkflows)

	workflows := router.Group("/workflows/:id")
	{
		workflows.GET("", handler.GetWorkflow)
		workflows.DELETE("", handler.CancelWorkflow)
		workflows.POST("/pause", handler.Pause)
		workflows.POST("/unpause", handler.Unpause)
		workflows.POST("/force-fail", handler.ForceFail)
		workflows.POST("/resume", handler.Resume)
		workflows.POST("/retry", handler.Retry)
		workflows.POST("/skip", handler.Skip)
		workflows.GET("/messages", handler.ListMessages)
		workflows.POST("/messages", handler.PostMessage)
		workflows.GET("/checkpoints", handler.ListCheckpoints)
		workflows.GET("/last-checkpoint", handler.LastCheckpoint)
		workflows.POST("/resume-from-checkpoint", handler.ResumeFromCheckpoint)
		workflows.GET("/resume-state", handler.ResumeState)
		workflows.GET("/logs", handler.ListLogs)
	}
}

// NewRouter builds a gin.Engine with the standard middleware chain
// (request logging, panic recovery, CORS, tracing) and the workflow routes
// mounted under /api/v1/orchestrator, plus unauthenticated /health and
// /ready probes at the root.
func NewRouter(service *Service, log *logger.Logger, serverName string) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing(serverName))

	handler := NewHandler(service, log)
	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)

	v1 := router.Group("/api/v1/orchestrator")
	SetupRoutes(v1, service, log)

	return router
}
