package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// SetupRoutes configures the orchestration API routes.
func SetupRoutes(router *gin.RouterGroup, svc Services, log *logger.Logger) {
	handler := NewHandler(svc, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.SubmitTask)
		tasks.GET("", handler.ListTasks)
		tasks.POST("/decompose", handler.DecomposeTask)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.POST("/:taskId/cancel", handler.CancelTask)
	}

	router.GET("/orchestrator/stats", handler.OrchestratorStats)

	agents := router.Group("/agents")
	{
		agents.POST("", handler.RegisterAgent)
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.DELETE("/:agentId", handler.UnregisterAgent)
		agents.POST("/:agentId/pause", handler.PauseAgent)
		agents.POST("/:agentId/resume", handler.ResumeAgent)
		agents.POST("/:agentId/reset", handler.ResetAgent)
	}

	types := router.Group("/agent-types")
	{
		types.POST("", handler.RegisterType)
		types.GET("", handler.ListTypes)
		types.GET("/:typeId", handler.GetType)
	}

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.POST("/debate", handler.RunDebate)
		sessions.POST("/ensemble", handler.RunEnsemble)
		sessions.POST("/pipeline", handler.RunPipeline)
		sessions.POST("/critique", handler.RunCritique)
		sessions.POST("/swarm", handler.RunSwarm)
	}

	router.POST("/consensus/vote", handler.Vote)

	busGroup := router.Group("/bus")
	{
		busGroup.GET("/stats", handler.BusStats)
		busGroup.GET("/history", handler.BusHistory)
	}

	router.GET("/events", handler.ListEvents)
}
