package server

import (
	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/job"
	"github.com/runforge/runforge/internal/stream"
)

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(supervisor *job.Supervisor, hub *stream.Hub, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	handler := NewHandler(supervisor, hub, log)

	router.GET("/health", handler.Health)
	router.GET("/ws", handler.ServeWS)

	api := router.Group("/api/v1")
	{
		api.GET("/commands", handler.ListCommands)

		jobs := api.Group("/jobs")
		{
			jobs.POST("", handler.StartJob)
			jobs.GET("/current", handler.CurrentJob)
			jobs.GET("/:jobId", handler.GetJob)
			jobs.POST("/:jobId/input", handler.SendInput)
			jobs.POST("/:jobId/cancel", handler.CancelJob)
			jobs.GET("/:jobId/output", handler.GetOutput)
		}
	}

	return router
}
