// HTTP handlers for the Run API, grounded on
// cmd/orchestrator/handlers/run.go's Echo handler shape (c.Bind, c.JSON,
// echo.NewHTTPError) and cmd/orchestrator/routes/run.go's route grouping.
package runapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/models"
)

// Handler adapts Service to Echo routes.
type Handler struct {
	svc    *Service
	logger *logger.Logger
}

// NewHandler creates a Run API HTTP handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, logger: log}
}

// Register mounts every Run API route onto e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "runapi"})
	})

	workflows := e.Group("/workflows")
	workflows.POST("/:id/runs", h.createRun)
	workflows.POST("/:id/publish", h.publish)

	runs := e.Group("/runs")
	runs.GET("/:id", h.getRun)
	runs.GET("/:id/events", h.listRunEvents)
	runs.POST("/:id/cancel", h.cancelRun)

	e.POST("/resume/:token", h.resumeWebhook)
}

type createRunRequest struct {
	VersionID string         `json:"version_id,omitempty"`
	Input     map[string]any `json:"input"`
}

// createRun handles POST /workflows/:id/runs, the manual-trigger entry
// point into CreateRun (SPEC_FULL.md §4.1).
func (h *Handler) createRun(c echo.Context) error {
	workflowID, err := pathInt(c, "id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}

	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	creq := CreateRunRequest{WorkflowID: workflowID, Trigger: models.TriggerManual, Input: req.Input}
	if req.VersionID != "" {
		v, err := uuid.Parse(req.VersionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version_id")
		}
		creq.VersionID = &v
	}

	run, err := h.svc.CreateRun(c.Request().Context(), creq)
	if err != nil {
		var noActive *NoActiveVersionError
		if errors.As(err, &noActive) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		h.logger.Error("failed to create run", "workflow_id", workflowID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create run")
	}
	return c.JSON(http.StatusCreated, run)
}

// getRun handles GET /runs/:id.
func (h *Handler) getRun(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	run, err := h.svc.GetRun(c.Request().Context(), runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

// listRunEvents handles GET /runs/:id/events, the full event log for a run.
func (h *Handler) listRunEvents(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	events, err := h.svc.ListRunEvents(c.Request().Context(), runID)
	if err != nil {
		h.logger.Error("failed to list run events", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list run events")
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// cancelRun handles POST /runs/:id/cancel.
func (h *Handler) cancelRun(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	if err := h.svc.Cancel(c.Request().Context(), runID); err != nil {
		h.logger.Error("failed to cancel run", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel run")
	}
	return c.NoContent(http.StatusAccepted)
}

// resumeWebhook handles POST /resume/:token (SPEC_FULL.md §6): 200 once
// recorded, 404 unknown/already-consumed, 410 expired.
func (h *Handler) resumeWebhook(c echo.Context) error {
	token := c.Param("token")
	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.svc.ResumeWebhook(c.Request().Context(), token, payload)
	if err != nil {
		h.logger.Error("failed to resume webhook", "token", token, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resume webhook")
	}
	switch result {
	case ResumeOK:
		return c.NoContent(http.StatusOK)
	case ResumeExpired:
		return echo.NewHTTPError(http.StatusGone, "suspension token expired")
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown or already-consumed token")
	}
}

type publishRequest struct {
	Graph         []byte `json:"graph"`
	InputSchema   []byte `json:"input_schema,omitempty"`
	OutputSchema  []byte `json:"output_schema,omitempty"`
	ChangeSummary string `json:"change_summary,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
}

// publish handles POST /workflows/:id/publish (SPEC_FULL.md §4.7).
func (h *Handler) publish(c echo.Context) error {
	workflowID, err := pathInt(c, "id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	version, err := h.svc.Publish(c.Request().Context(), PublishRequest{
		WorkflowID: workflowID, Graph: req.Graph, InputSchema: req.InputSchema,
		OutputSchema: req.OutputSchema, ChangeSummary: req.ChangeSummary, CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, version)
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(name))
}

func pathInt(c echo.Context, name string) (int, error) {
	var n int
	_, err := fmt.Sscan(c.Param(name), &n)
	return n, err
}
