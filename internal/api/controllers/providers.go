package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/mfloren/nzbstream/internal/app"
	"github.com/mfloren/nzbstream/internal/domain"
)

type ProvidersController struct {
	App *app.Context
}

// HandleList returns the stored provider list, credentials redacted.
func (ctrl *ProvidersController) HandleList(c *echo.Context) error {
	records, err := ctrl.App.Settings.LoadProviders(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	models := make([]ProviderModel, 0, len(records))
	for _, rec := range records {
		models = append(models, FromDomain(rec))
	}

	return c.JSON(http.StatusOK, models)
}

// HandleReplace swaps the full provider list: persist, then notify the
// config layer so the streamer rebuilds its pool.
func (ctrl *ProvidersController) HandleReplace(c *echo.Context) error {
	var models []ProviderModel
	if err := c.Bind(&models); err != nil {
		return c.String(http.StatusBadRequest, "malformed provider list")
	}

	records := make([]domain.ProviderRecord, 0, len(models))
	for _, m := range models {
		rec := m.ToDomain()
		if err := rec.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		records = append(records, rec)
	}

	if err := ctrl.App.Settings.ReplaceProviders(c.Request().Context(), records); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ctrl.App.Config.NotifyProviders(records)

	return c.JSON(http.StatusOK, map[string]int{"providers": len(records)})
}

// HandleTest dials and authenticates a candidate provider without
// touching the pool. The settings UI calls this before saving.
func (ctrl *ProvidersController) HandleTest(c *echo.Context) error {
	var model ProviderModel
	if err := c.Bind(&model); err != nil {
		return c.String(http.StatusBadRequest, "malformed provider")
	}

	rec := model.ToDomain()
	if err := rec.Validate(); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	if err := ctrl.App.Streamer.TestProvider(ctx, rec); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}

	return c.NoContent(http.StatusNoContent)
}
