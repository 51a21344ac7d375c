package handlers

import (
	"encoding/json"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/engine"
)

// ModelHandler manages stored BPMN model documents
type ModelHandler struct {
	engine *engine.Engine
	log    *logger.Logger
}

// NewModelHandler creates a model handler
func NewModelHandler(eng *engine.Engine, log *logger.Logger) *ModelHandler {
	return &ModelHandler{engine: eng, log: log}
}

// SaveRequest is the body of PUT /models/:name
type SaveRequest struct {
	Source string `json:"source"`
	SVG    string `json:"svg"`
}

// Save stores a model, extracting its startable events
func (h *ModelHandler) Save(c echo.Context) error {
	name := c.Param("name")

	var req SaveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	record, err := h.engine.ModelStore().Save(c.Request().Context(), name, req.Source, req.SVG)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

// Get returns a model document
func (h *ModelHandler) Get(c echo.Context) error {
	record, err := h.engine.ModelStore().Load(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

// List returns all stored models without sources
func (h *ModelHandler) List(c echo.Context) error {
	records, err := h.engine.ModelStore().List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}

// Delete removes a model
func (h *ModelHandler) Delete(c echo.Context) error {
	if err := h.engine.ModelStore().Delete(c.Request().Context(), c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// PatchRequest is the body of PATCH /models/:name: a JSON Patch applied to
// the stored model document before it is re-saved.
type PatchRequest struct {
	Operations json.RawMessage `json:"operations"`
}

// Patch applies a JSON Patch to a stored model document and re-saves it
func (h *ModelHandler) Patch(c echo.Context) error {
	name := c.Param("name")

	var req PatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	record, err := h.engine.ModelStore().Load(c.Request().Context(), name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	current, err := json.Marshal(record)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	patch, err := jsonpatch.DecodePatch(req.Operations)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patch: "+err.Error())
	}

	patched, err := patch.Apply(current)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "patch failed: "+err.Error())
	}

	var updated struct {
		Source string `json:"source"`
		SVG    string `json:"svg"`
	}
	if err := json.Unmarshal(patched, &updated); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	saved, err := h.engine.ModelStore().Save(c.Request().Context(), name, updated.Source, updated.SVG)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	h.log.Info("model patched", "name", name)
	return c.JSON(http.StatusOK, saved)
}

// UpgradeRequest is the body of POST /models/:name/upgrade
type UpgradeRequest struct {
	AfterNodeIDs []string `json:"afterNodeIds"`
}

// Upgrade replaces the stored source of instances that have not passed the
// given nodes
func (h *ModelHandler) Upgrade(c echo.Context) error {
	var req UpgradeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	upgraded, err := h.engine.Upgrade(c.Request().Context(), c.Param("name"), req.AfterNodeIDs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"upgraded": upgraded})
}
