package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/engine"
)

// ProcessHandler exposes the engine verbs over HTTP
type ProcessHandler struct {
	engine *engine.Engine
	log    *logger.Logger
}

// NewProcessHandler creates a process handler
func NewProcessHandler(eng *engine.Engine, log *logger.Logger) *ProcessHandler {
	return &ProcessHandler{engine: eng, log: log}
}

// StartRequest is the body of POST /processes/:name/start
type StartRequest struct {
	Data        map[string]interface{} `json:"data"`
	StartNodeID string                 `json:"startNodeId"`
	UserName    string                 `json:"userName"`
	NoWait      bool                   `json:"noWait"`
}

// Start starts a new instance of a stored model
func (h *ProcessHandler) Start(c echo.Context) error {
	name := c.Param("name")

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	execution, err := h.engine.Start(c.Request().Context(), name, "", req.Data, req.StartNodeID, req.UserName, "", req.NoWait)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if execution == nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "start failed")
	}

	return c.JSON(http.StatusOK, executionSummary(execution))
}

// InvokeRequest is the body of POST /items/invoke
type InvokeRequest struct {
	Query    map[string]interface{} `json:"query"`
	Data     map[string]interface{} `json:"data"`
	UserName string                 `json:"userName"`
	Restart  bool                   `json:"restart"`
	Recover  bool                   `json:"recover"`
	NoWait   bool                   `json:"noWait"`
}

// Invoke signals a waiting item found by query
func (h *ProcessHandler) Invoke(c echo.Context) error {
	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	execution, err := h.engine.Invoke(c.Request().Context(), req.Query, req.Data, req.UserName, req.Restart, req.Recover, req.NoWait)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if execution == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no matching waiting item")
	}

	return c.JSON(http.StatusOK, executionSummary(execution))
}

// AssignRequest is the body of POST /items/assign
type AssignRequest struct {
	Query      map[string]interface{} `json:"query"`
	Data       map[string]interface{} `json:"data"`
	Assignment map[string]interface{} `json:"assignment"`
	UserName   string                 `json:"userName"`
}

// Assign updates assignment fields on a waiting item
func (h *ProcessHandler) Assign(c echo.Context) error {
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	execution, err := h.engine.Assign(c.Request().Context(), req.Query, req.Data, req.Assignment, req.UserName)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if execution == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no matching item")
	}

	return c.JSON(http.StatusOK, executionSummary(execution))
}

// MessageRequest is the body of POST /engine/message
type MessageRequest struct {
	MessageID      string                 `json:"messageId"`
	Data           map[string]interface{} `json:"data"`
	CorrelationKey map[string]interface{} `json:"correlationKey"`
}

// ThrowMessage routes a message to a start event or a waiting item
func (h *ProcessHandler) ThrowMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	execution, err := h.engine.ThrowMessage(c.Request().Context(), req.MessageID, req.Data, req.CorrelationKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if execution == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"matched": false})
	}
	return c.JSON(http.StatusOK, executionSummary(execution))
}

// SignalRequest is the body of POST /engine/signal
type SignalRequest struct {
	SignalID       string                 `json:"signalId"`
	Data           map[string]interface{} `json:"data"`
	CorrelationKey map[string]interface{} `json:"correlationKey"`
}

// ThrowSignal broadcasts a signal to all matching targets
func (h *ProcessHandler) ThrowSignal(c echo.Context) error {
	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	targets, err := h.engine.ThrowSignal(c.Request().Context(), req.SignalID, req.Data, req.CorrelationKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"targets": targets})
}

// ListItems returns item records matching a query
func (h *ProcessHandler) ListItems(c echo.Context) error {
	var query map[string]interface{}
	if err := c.Bind(&query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query")
	}

	items, err := h.engine.DataStore().FindItems(c.Request().Context(), query)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// GetInstance returns one instance document by id
func (h *ProcessHandler) GetInstance(c echo.Context) error {
	instance, err := h.engine.DataStore().FindInstance(c.Request().Context(),
		docstore.Query{"id": c.Param("id")}, "full")
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, instance)
}

// Status reports the engine counters
func (h *ProcessHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Status())
}

func executionSummary(execution *engine.Execution) map[string]interface{} {
	var items []models.ItemRecord
	for _, item := range execution.Items() {
		items = append(items, item.Record())
	}
	return map[string]interface{}{
		"id":     execution.ID(),
		"name":   execution.Name(),
		"status": execution.Status(),
		"data":   execution.InstanceData(),
		"items":  items,
	}
}
