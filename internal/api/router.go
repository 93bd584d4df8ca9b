package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/mfloren/nzbstream/internal/api/controllers"
	"github.com/mfloren/nzbstream/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	connCtrl := &controllers.ConnectionsController{App: app}
	provCtrl := &controllers.ProvidersController{App: app}

	// Pool observability
	e.GET("/api/connections", connCtrl.HandleStats)
	e.GET("/api/connections/stream", connCtrl.HandleStream)
	e.GET("/api/health", connCtrl.HandleHealth)

	// Provider administration
	e.GET("/api/providers", provCtrl.HandleList)
	e.PUT("/api/providers", provCtrl.HandleReplace)
	e.POST("/api/test-connection", provCtrl.HandleTest)
}
