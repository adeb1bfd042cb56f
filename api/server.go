// Package api exposes the pipeline coordinator over HTTP.
//
// Routes:
//
//	POST   /v1/runs                       start a run
//	GET    /v1/runs/:id                   run status
//	DELETE /v1/runs/:id                   cancel a run
//	GET    /v1/runs/:id/trail             audit trail, optionally filtered by stage and action
//	GET    /v1/runs/:id/artifacts/*       artifact blob
//	GET    /v1/runs/:id/events            server-sent run events, when an event source is configured
//	GET    /livez, /healthz               liveness and dependency health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

type (
	// Runs starts, cancels and reports runs. pipeline.Coordinator
	// implements it.
	Runs interface {
		StartRun(ctx context.Context, in pipeline.Input) (string, error)
		Cancel(ctx context.Context, runID string) error
		GetRunStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error)
		GetAuditTrail(ctx context.Context, runID string) (*audit.Trail, error)
	}

	// Audit reads filtered trails and artifacts. audit.Log implements it.
	Audit interface {
		Query(ctx context.Context, f audit.Filter) (*audit.Trail, error)
		GetArtifact(ctx context.Context, key string) ([]byte, error)
	}

	// Events subscribes to the events of a run. The events channel is
	// closed once the run finishes or ctx is cancelled.
	Events interface {
		Subscribe(ctx context.Context, runID string) (<-chan pipeline.Event, <-chan error, context.CancelFunc, error)
	}

	// Options configures a Server.
	Options struct {
		// Runs is required.
		Runs Runs
		// Audit is required.
		Audit Audit
		// Events enables the event stream route when set.
		Events Events
		// Health checks the service dependencies on /healthz.
		Health health.Checker
		// LogContext carries the clue logger used for request logs.
		LogContext context.Context
		Logger     telemetry.Logger
	}

	// Server is the HTTP API.
	Server struct {
		echo   *echo.Echo
		runs   Runs
		audit  Audit
		events Events
		logger telemetry.Logger
	}
)

// New returns a Server with its routes registered.
func New(opts Options) (*Server, error) {
	if opts.Runs == nil {
		return nil, errors.New("api: runs is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("api: audit is required")
	}
	chk := opts.Health
	if chk == nil {
		chk = health.NewChecker()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if opts.LogContext != nil {
		e.Use(echo.WrapMiddleware(log.HTTP(opts.LogContext)))
	}

	s := &Server{
		echo:   e,
		runs:   opts.Runs,
		audit:  opts.Audit,
		events: opts.Events,
		logger: logger,
	}
	s.registerRoutes(chk)
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) registerRoutes(chk health.Checker) {
	s.echo.GET("/livez", echo.WrapHandler(health.Handler(health.NewChecker())))
	s.echo.GET("/healthz", echo.WrapHandler(health.Handler(chk)))

	v1 := s.echo.Group("/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.DELETE("/runs/:id", s.handleCancelRun)
	v1.GET("/runs/:id/trail", s.handleGetTrail)
	v1.GET("/runs/:id/artifacts/*", s.handleGetArtifact)
	if s.events != nil {
		v1.GET("/runs/:id/events", s.handleEvents)
	}
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Request) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request field is required")
	}
	ctx := c.Request().Context()
	id, err := s.runs.StartRun(ctx, pipeline.Input{Request: req.Request, RunID: req.RunID})
	if err != nil {
		return s.httpError(ctx, "start run", err)
	}
	s.logger.Info(ctx, "run started", "run_id", id)
	return c.JSON(http.StatusAccepted, StartRunResponse{RunID: id})
}

func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	st, err := s.runs.GetRunStatus(ctx, c.Param("id"))
	if err != nil {
		return s.httpError(ctx, "get run", err)
	}
	return c.JSON(http.StatusOK, NewRunResponse(st))
}

func (s *Server) handleCancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.runs.Cancel(ctx, id); err != nil {
		return s.httpError(ctx, "cancel run", err)
	}
	s.logger.Info(ctx, "run cancel requested", "run_id", id)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleGetTrail(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	stage, action := c.QueryParam("stage"), c.QueryParam("action")

	var (
		trail *audit.Trail
		err   error
	)
	if stage == "" && action == "" {
		trail, err = s.runs.GetAuditTrail(ctx, id)
	} else {
		if _, err = s.runs.GetRunStatus(ctx, id); err == nil {
			trail, err = s.audit.Query(ctx, audit.Filter{RunID: id, Stage: stage, Action: action})
		}
	}
	if err != nil {
		return s.httpError(ctx, "get trail", err)
	}
	return c.JSON(http.StatusOK, NewTrailResponse(trail))
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	ctx := c.Request().Context()
	rest := c.Param("*")
	if rest == "" || strings.Contains(rest, "..") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid artifact key")
	}
	key := c.Param("id") + "/" + rest
	data, err := s.audit.GetArtifact(ctx, key)
	if err != nil {
		return s.httpError(ctx, "get artifact", err)
	}
	contentType := "text/plain; charset=utf-8"
	if strings.Contains(key, "/converted/") {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func (s *Server) handleEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	st, err := s.runs.GetRunStatus(ctx, id)
	if err != nil {
		return s.httpError(ctx, "subscribe", err)
	}
	w := c.Response()
	if st.Status.Terminal() {
		startEventStream(w)
		return writeEvent(w, pipeline.Event{
			Type:      pipeline.EventRunFinished,
			RunID:     st.RunID,
			Stage:     st.Stage,
			Attempt:   st.Attempt,
			Status:    st.Status,
			Error:     st.Error,
			Timestamp: st.UpdatedAt,
		})
	}
	events, errs, cancel, err := s.events.Subscribe(ctx, id)
	if err != nil {
		return s.httpError(ctx, "subscribe", err)
	}
	defer cancel()
	startEventStream(w)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn(ctx, "run event stream failed", "run_id", id, "err", err)
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			w.Flush()
			return nil
		}
	}
}

func startEventStream(w *echo.Response) {
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()
}

// writeEvent writes ev as a server-sent event. Write failures mean the
// client went away and are not reported.
func writeEvent(w *echo.Response, ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return nil
	}
	w.Flush()
	return nil
}

// httpError maps coordinator and audit errors to HTTP errors.
func (s *Server) httpError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.Is(err, audit.ErrArtifactNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	case errors.Is(err, pipeline.ErrInvalidRunID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrRunExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down")
	}
	s.logger.Error(ctx, op+" failed", "err", err)
	return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
}
