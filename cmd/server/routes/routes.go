package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/bpmnserver/cmd/server/handlers"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/engine"
)

// Register wires all API routes
func Register(e *echo.Echo, eng *engine.Engine, log *logger.Logger) {
	processHandler := handlers.NewProcessHandler(eng, log)
	modelHandler := handlers.NewModelHandler(eng, log)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	api := e.Group("/api/v1")

	processes := api.Group("/processes")
	{
		processes.POST("/:name/start", processHandler.Start) // POST /api/v1/processes/{name}/start
		processes.GET("/instances/:id", processHandler.GetInstance)
	}

	items := api.Group("/items")
	{
		items.POST("/search", processHandler.ListItems)
		items.POST("/invoke", processHandler.Invoke)
		items.POST("/assign", processHandler.Assign)
	}

	engineGroup := api.Group("/engine")
	{
		engineGroup.POST("/message", processHandler.ThrowMessage)
		engineGroup.POST("/signal", processHandler.ThrowSignal)
		engineGroup.GET("/status", processHandler.Status)
	}

	modelsGroup := api.Group("/models")
	{
		modelsGroup.GET("", modelHandler.List)
		modelsGroup.GET("/:name", modelHandler.Get)
		modelsGroup.PUT("/:name", modelHandler.Save)
		modelsGroup.PATCH("/:name", modelHandler.Patch)
		modelsGroup.DELETE("/:name", modelHandler.Delete)
		modelsGroup.POST("/:name/upgrade", modelHandler.Upgrade)
	}
}
