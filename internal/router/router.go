package router

import (
	"github.com/gin-gonic/gin"

	"deepagent/internal/handler"
	"deepagent/internal/service"
	"deepagent/internal/trace"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

func SetupRouter(tasks *service.TaskService) *gin.Engine {
	r := gin.Default()

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+CorrelationHeader)
		c.Writer.Header().Set("Access-Control-Expose-Headers", CorrelationHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	r.Use(correlation)

	taskHandler := handler.NewTaskHandler(tasks)

	api := r.Group("/api/v1")
	{
		api.GET("/health", taskHandler.Health)

		t := api.Group("/tasks")
		{
			t.POST("", taskHandler.CreateTask)
			t.GET("", taskHandler.ListTasks)
			t.GET("/:id", taskHandler.GetTask)
			t.GET("/:id/result", taskHandler.GetResult)
			t.GET("/:id/logs", taskHandler.GetLogs)
			t.POST("/:id/cancel", taskHandler.CancelTask)
			t.DELETE("/:id", taskHandler.CancelTask)
		}

		api.GET("/queue/stats", taskHandler.QueueStats)
	}

	return r
}

// correlation adopts the caller's correlation id or mints one, and echoes
// it back.
func correlation(c *gin.Context) {
	id := c.GetHeader(CorrelationHeader)
	if id == "" || len(id) > 36 {
		id = trace.NewID()
	}
	c.Request = c.Request.WithContext(trace.WithCorrelationID(c.Request.Context(), id))
	c.Header(CorrelationHeader, id)
	c.Next()
}
