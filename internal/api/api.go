// Package api exposes the workflow trigger, query, and signal surface
// over HTTP: start a run, watch its progress, cancel it, browse run
// summaries and histories.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/aksrustagi/talos-sub002/river"
)

// Server wires the handlers onto an echo instance.
type Server struct {
	runner   river.Runner
	registry *river.Registry
	logger   *slog.Logger
	echo     *echo.Echo
}

// StartRequest is the trigger envelope: the workflow input plus
// correlation fields stamped onto the run's events.
type StartRequest struct {
	Input      json.RawMessage `json:"input"`
	OrgID      string          `json:"orgId"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
}

// StartResponse carries the new run's identifier.
type StartResponse struct {
	RunID string `json:"runId"`
}

// NewServer builds the HTTP surface over a runner.
func NewServer(runner river.Runner, registry *river.Registry, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger(), middleware.Recover())

	s := &Server{runner: runner, registry: registry, logger: logger, echo: e}

	e.GET("/healthz", s.health)
	e.POST("/api/workflows/:type", s.startWorkflow)
	e.GET("/api/runs", s.listRuns)
	e.GET("/api/runs/:runId/progress", s.progress)
	e.GET("/api/runs/:runId/history", s.history)
	e.POST("/api/runs/:runId/cancel", s.cancel)
	e.POST("/api/runs/:runId/signals/:signal", s.signal)

	return s
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying echo instance for serving and tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startWorkflow(c echo.Context) error {
	workflowType := c.Param("type")
	if !s.registry.Has(workflowType) {
		return jsonError(c, http.StatusBadRequest, "unknown workflow type "+workflowType)
	}

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "unreadable request body")
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	runID, err := s.runner.StartWorkflow(c.Request().Context(), workflowType, input, river.StartOptions{
		OrgID:      req.OrgID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
	})
	if err != nil {
		s.logger.Error("start workflow", "type", workflowType, "error", err)
		return jsonError(c, http.StatusInternalServerError, "could not start workflow")
	}
	return c.JSON(http.StatusCreated, StartResponse{RunID: runID})
}

func (s *Server) progress(c echo.Context) error {
	progress, err := s.runner.QueryProgress(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, progress)
}

func (s *Server) history(c echo.Context) error {
	events, err := s.runner.GetHistory(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (s *Server) listRuns(c echo.Context) error {
	filter := river.RunFilter{
		OrgID:        c.QueryParam("org"),
		WorkflowName: c.QueryParam("type"),
		Status:       river.RunStatus(c.QueryParam("status")),
	}
	if err := echo.QueryParamsBinder(c).Int("limit", &filter.Limit).Int("offset", &filter.Offset).BindError(); err != nil {
		return jsonError(c, http.StatusBadRequest, "limit and offset must be integers")
	}

	runs, err := s.runner.ListRuns(c.Request().Context(), filter)
	if err != nil {
		if errors.Is(err, river.ErrListingUnsupported) {
			return jsonError(c, http.StatusNotImplemented, "run listings not supported by this store")
		}
		s.logger.Error("list runs", "error", err)
		return jsonError(c, http.StatusInternalServerError, "could not list runs")
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) cancel(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional on cancel.
	_ = c.Bind(&body)

	err := s.runner.CancelWorkflow(c.Request().Context(), c.Param("runId"), body.Reason)
	switch {
	case errors.Is(err, river.ErrRunFinished):
		return jsonError(c, http.StatusConflict, "run already finished")
	case err != nil:
		return runError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) signal(c echo.Context) error {
	var payload json.RawMessage
	if err := c.Bind(&payload); err != nil {
		return jsonError(c, http.StatusBadRequest, "unreadable signal payload")
	}

	err := s.runner.SendSignal(c.Request().Context(), c.Param("runId"), c.Param("signal"), payload)
	switch {
	case errors.Is(err, river.ErrSignalNotWaiting), errors.Is(err, river.ErrSignalTimedOut):
		return jsonError(c, http.StatusConflict, err.Error())
	case err != nil:
		return runError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "delivered"})
}

// runError maps runner lookup failures onto HTTP statuses.
func runError(c echo.Context, err error) error {
	if errors.Is(err, river.ErrRunNotFound) {
		return jsonError(c, http.StatusNotFound, "run not found")
	}
	return jsonError(c, http.StatusInternalServerError, err.Error())
}

func jsonError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
