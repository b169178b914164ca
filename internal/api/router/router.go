package router

import (
	"net/http"

	"github.com/cuongbtq/grievance-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		checks := make(gin.H, len(deps.HealthChecks))
		status := http.StatusOK
		for name, check := range deps.HealthChecks {
			if err := check(c.Request.Context()); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": "pipeline-api-service",
			"checks":  checks,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a background job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		sessions := v1.Group("/sessions/:key")
		{
			sessions.GET("", jobHandler.GetSession)
			sessions.GET("/jobs", jobHandler.ListSessionJobs)
			sessions.GET("/latest", jobHandler.GetLatest)
			sessions.PUT("/fields/:field", jobHandler.EditField)
			sessions.POST("/poll", jobHandler.PollSession)
			sessions.GET("/events", jobHandler.StreamEvents)
		}
	}

	return r
}
