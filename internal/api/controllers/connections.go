package controllers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/mfloren/nzbstream/internal/app"
	"github.com/mfloren/nzbstream/internal/events"
)

type ConnectionsController struct {
	App *app.Context
}

// HandleStats reports current pool utilization.
func (ctrl *ConnectionsController) HandleStats(c *echo.Context) error {
	stats := ctrl.App.Streamer.ConnectionStats()

	return c.JSON(http.StatusOK, ConnectionStats{
		Live: stats.Live,
		Idle: stats.Idle,
		Max:  stats.Max,
	})
}

// HandleStream pushes pool utilization events as SSE, the same
// "live|max|idle" payloads the telemetry topic carries.
func (ctrl *ConnectionsController) HandleStream(c *echo.Context) error {
	ch, cancel := ctrl.App.Bus.Subscribe(events.TopicConnections, 16)
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	// Lead with the current state so the client doesn't wait for churn
	snapshot := ctrl.App.Streamer.ConnectionStats()
	fmt.Fprintf(res, "data: %s\n\n", snapshot.String())
	res.(http.Flusher).Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintf(res, "data: %s\n\n", payload)
			res.(http.Flusher).Flush()
		}
	}
}

// HandleHealth stats the given segments in parallel and reports whether
// the complete set is retrievable.
func (ctrl *ConnectionsController) HandleHealth(c *echo.Context) error {
	segments := c.QueryParams()["segment"]

	// No segments: degrade to an end-to-end reachability probe
	if len(segments) == 0 {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
		defer cancel()

		if err := ctrl.App.Streamer.WaitUntilReady(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, HealthResult{Healthy: false, Error: err.Error()})
		}
		return c.JSON(http.StatusOK, HealthResult{Healthy: true})
	}

	healthy, err := ctrl.App.Streamer.CheckHealth(c.Request().Context(), segments)
	if err != nil {
		return c.JSON(http.StatusBadGateway, HealthResult{Healthy: false, Error: err.Error()})
	}

	return c.JSON(http.StatusOK, HealthResult{Healthy: healthy})
}
