// Package retests exposes the retest workflow and specification matching as
// a JSON API under /api/v1.
package retests

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"labqc/internal/blob"
	"labqc/internal/core"
	"labqc/pkg/domain"
	"labqc/pkg/specmatch"
)

// Workflow is the subset of core.Service served over HTTP.
type Workflow interface {
	UpsertLot(ctx context.Context, lot domain.Lot) (domain.Lot, domain.Result, error)
	UpsertTestResult(ctx context.Context, result domain.TestResult) (domain.TestResult, domain.Result, error)
	UpsertSpecification(ctx context.Context, spec domain.ProductTestSpecification) (domain.ProductTestSpecification, domain.Result, error)
	CreateRetest(ctx context.Context, in core.CreateRetestInput) (domain.RetestRequest, []int64, domain.Result, error)
	RecordValueChange(ctx context.Context, testResultID int64, newValue *string) (*domain.RetestRequest, error)
	CompleteManually(ctx context.Context, requestID int64) (domain.RetestRequest, error)
	CanRelease(ctx context.Context, lotID int64) (bool, error)
	GetRetest(ctx context.Context, id int64) (domain.RetestRequest, error)
	ListRetests(ctx context.Context, lotID int64) ([]domain.RetestRequest, error)
	FailingTestResults(ctx context.Context, lotID int64) ([]domain.TestResult, error)
}

// HistoryExporter archives a lot's retest history.
type HistoryExporter interface {
	ExportLot(ctx context.Context, lotID int64) (blob.Info, error)
}

// Server routes HTTP requests to the workflow.
type Server struct {
	echo     *echo.Echo
	workflow Workflow
	exporter HistoryExporter
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithExporter enables POST /api/v1/lots/:id/exports.
func WithExporter(exporter HistoryExporter) Option {
	return func(s *Server) { s.exporter = exporter }
}

// WithHandler mounts an extra handler on the root router, e.g. /metrics.
func WithHandler(method, path string, h http.Handler) Option {
	return func(s *Server) { s.echo.Add(method, path, echo.WrapHandler(h)) }
}

// NewServer builds the router. logger is required for request logging.
func NewServer(workflow Workflow, logger *zap.Logger, opts ...Option) (*Server, error) {
	if workflow == nil {
		return nil, fmt.Errorf("workflow cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request logging")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(requestLogger(logger))

	s := &Server{echo: e, workflow: workflow, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := s.echo.Group("/api/v1")
	v1.POST("/specs/evaluate", s.handleEvaluate)
	v1.POST("/specs/classify", s.handleClassify)
	v1.PUT("/specifications", s.handlePutSpecification)
	v1.PUT("/lots/:id", s.handlePutLot)
	v1.PUT("/test-results/:id", s.handlePutTestResult)
	v1.POST("/lots/:id/retests", s.handleCreateRetest)
	v1.GET("/lots/:id/retests", s.handleListRetests)
	v1.GET("/lots/:id/release", s.handleRelease)
	v1.GET("/lots/:id/failing", s.handleFailing)
	v1.POST("/lots/:id/exports", s.handleExport)
	v1.POST("/test-results/:id/value", s.handleValueChange)
	v1.POST("/retests/:id/complete", s.handleComplete)
	v1.GET("/retests/:id", s.handleGetRetest)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

type evaluateRequest struct {
	ResultValue   *string `json:"result_value"`
	Specification string  `json:"specification"`
	LegacyUnit    *string `json:"legacy_unit"`
}

type evaluateResponse struct {
	Matches bool              `json:"matches"`
	Verdict specmatch.Verdict `json:"verdict"`
	Rule    specmatch.Kind    `json:"rule"`
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	return c.JSON(http.StatusOK, evaluateResponse{
		Matches: specmatch.Matches(req.ResultValue, req.Specification, req.LegacyUnit),
		Verdict: specmatch.Evaluate(req.ResultValue, &req.Specification, req.LegacyUnit),
		Rule:    specmatch.Parse(req.Specification, req.LegacyUnit).Kind,
	})
}

type classifyResponse struct {
	Shape       specmatch.InputShape   `json:"shape"`
	Suggestions []specmatch.Suggestion `json:"suggestions,omitempty"`
}

func (s *Server) handleClassify(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	shape := specmatch.ClassifyInputShape(req.Specification, req.LegacyUnit)
	resp := classifyResponse{Shape: shape}
	if shape == specmatch.ShapeAutocomplete {
		resp.Suggestions = specmatch.Suggestions(specmatch.Parse(req.Specification, nil))
	}
	return c.JSON(http.StatusOK, resp)
}

// Lots, test results and specifications are mirrored in by the host system.
// The engine owns its tables, so these routes are the only way rows get in.

func (s *Server) handlePutLot(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var lot domain.Lot
	if err := c.Bind(&lot); err != nil {
		return badRequest("invalid request body")
	}
	if lot.ID != 0 && lot.ID != id {
		return badRequest("body id does not match path id")
	}
	lot.ID = id
	saved, _, err := s.workflow.UpsertLot(c.Request().Context(), lot)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"lot": saved})
}

// handlePutTestResult mirrors a result row. Value changes that should
// advance an open retest go through POST /test-results/:id/value instead.
func (s *Server) handlePutTestResult(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var result domain.TestResult
	if err := c.Bind(&result); err != nil {
		return badRequest("invalid request body")
	}
	if result.ID != 0 && result.ID != id {
		return badRequest("body id does not match path id")
	}
	result.ID = id
	saved, _, err := s.workflow.UpsertTestResult(c.Request().Context(), result)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"test_result": saved})
}

func (s *Server) handlePutSpecification(c echo.Context) error {
	var spec domain.ProductTestSpecification
	if err := c.Bind(&spec); err != nil {
		return badRequest("invalid request body")
	}
	saved, _, err := s.workflow.UpsertSpecification(c.Request().Context(), spec)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"specification": saved})
}

type createRetestRequest struct {
	TestResultIDs         []int64 `json:"test_result_ids"`
	Reason                string  `json:"reason"`
	RequestedBy           string  `json:"requested_by"`
	AcknowledgeDuplicates bool    `json:"acknowledge_duplicates"`
}

type retestResponse struct {
	Retest            *domain.RetestRequest `json:"retest"`
	DuplicateWarnings []int64               `json:"duplicate_warnings,omitempty"`
}

func (s *Server) handleCreateRetest(c echo.Context) error {
	lotID, err := pathID(c)
	if err != nil {
		return err
	}
	var req createRetestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	created, warnings, _, err := s.workflow.CreateRetest(c.Request().Context(), core.CreateRetestInput{
		LotID:                 lotID,
		TestResultIDs:         req.TestResultIDs,
		Reason:                req.Reason,
		RequestedBy:           req.RequestedBy,
		AcknowledgeDuplicates: req.AcknowledgeDuplicates,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, retestResponse{Retest: &created, DuplicateWarnings: warnings})
}

func (s *Server) handleListRetests(c echo.Context) error {
	lotID, err := pathID(c)
	if err != nil {
		return err
	}
	list, err := s.workflow.ListRetests(c.Request().Context(), lotID)
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []domain.RetestRequest{}
	}
	return c.JSON(http.StatusOK, map[string]any{"retests": list})
}

func (s *Server) handleRelease(c echo.Context) error {
	lotID, err := pathID(c)
	if err != nil {
		return err
	}
	ok, err := s.workflow.CanRelease(c.Request().Context(), lotID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"lot_id": lotID, "can_release": ok})
}

func (s *Server) handleFailing(c echo.Context) error {
	lotID, err := pathID(c)
	if err != nil {
		return err
	}
	results, err := s.workflow.FailingTestResults(c.Request().Context(), lotID)
	if err != nil {
		return s.fail(c, err)
	}
	if results == nil {
		results = []domain.TestResult{}
	}
	return c.JSON(http.StatusOK, map[string]any{"test_results": results})
}

func (s *Server) handleExport(c echo.Context) error {
	if s.exporter == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history export not configured")
	}
	lotID, err := pathID(c)
	if err != nil {
		return err
	}
	info, err := s.exporter.ExportLot(c.Request().Context(), lotID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"export": info})
}

type valueChangeRequest struct {
	ResultValue *string `json:"result_value"`
}

func (s *Server) handleValueChange(c echo.Context) error {
	resultID, err := pathID(c)
	if err != nil {
		return err
	}
	var req valueChangeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	affected, err := s.workflow.RecordValueChange(c.Request().Context(), resultID, req.ResultValue)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, retestResponse{Retest: affected})
}

func (s *Server) handleComplete(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := s.workflow.CompleteManually(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, retestResponse{Retest: &req})
}

func (s *Server) handleGetRetest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := s.workflow.GetRetest(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, retestResponse{Retest: &req})
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id " + strconv.Quote(c.Param("id")))
	}
	return id, nil
}

func badRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, message)
}

type errorResponse struct {
	Error         string             `json:"error"`
	Field         string             `json:"field,omitempty"`
	TestResultIDs []int64            `json:"test_result_ids,omitempty"`
	Violations    []domain.Violation `json:"violations,omitempty"`
}

// fail writes the workflow error with its mapped status.
func (s *Server) fail(c echo.Context, err error) error {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	return c.JSON(status, body)
}

// statusFor maps workflow errors to HTTP status codes.
func statusFor(err error) (int, errorResponse) {
	body := errorResponse{Error: err.Error()}
	var (
		validation domain.ValidationError
		notFound   domain.ErrNotFound
		duplicate  domain.DuplicateRetestError
		conflict   domain.ConcurrencyError
		violation  domain.RuleViolationError
	)
	switch {
	case errors.As(err, &validation):
		body.Field = validation.Field
		return http.StatusBadRequest, body
	case errors.As(err, &notFound):
		return http.StatusNotFound, body
	case errors.As(err, &duplicate):
		body.TestResultIDs = duplicate.TestResultIDs
		return http.StatusConflict, body
	case errors.As(err, &conflict):
		return http.StatusServiceUnavailable, body
	case errors.As(err, &violation):
		body.Violations = violation.Result.Violations
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, blob.ErrExists):
		return http.StatusConflict, body
	default:
		return http.StatusInternalServerError, body
	}
}
