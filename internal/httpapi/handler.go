// Package httpapi exposes the queue engine over HTTP with echo.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"opd/queue-service/internal/engine"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/queue"
	"opd/queue-service/internal/redistribution"
	"opd/queue-service/internal/store"
)

// Engine is the slice of the queue engine the API needs.
type Engine interface {
	Book(ctx context.Context, req queue.BookRequest) (queue.Booking, error)
	GetToken(ctx context.Context, tokenID string) (engine.TokenView, error)
	CheckIn(ctx context.Context, tokenID string, lat, lon float64) (queue.CheckInResult, error)
	EnterWaiting(ctx context.Context, tokenID string) (models.Token, error)
	StartConsultation(ctx context.Context, tokenID string) (queue.Transition, error)
	CompleteConsultation(ctx context.Context, tokenID string, notes map[string]any) (queue.Completion, error)
	MarkNoShow(ctx context.Context, tokenID, reason string) (queue.Transition, error)
	Cancel(ctx context.Context, tokenID, reason string) (queue.Transition, error)
	DoctorQueue(ctx context.Context, doctorID, day string) (engine.QueueView, error)
	SetDoctorStatus(ctx context.Context, doctorID string, status models.DoctorStatus) (engine.DoctorStatusChange, error)
	ReportLeave(ctx context.Context, leave models.Leave) (redistribution.Outcome, error)
	PreviewLeave(ctx context.Context, leave models.Leave) (redistribution.Plan, error)
}

type Handler struct {
	engine       Engine
	logger       zerolog.Logger
	limiter      *RateLimiter
	staffKeyHash string
	realtime     http.Handler
}

type Options struct {
	Logger    zerolog.Logger
	RateLimit RateLimitConfig
	// StaffKeyHash is a bcrypt hash of the staff API key. Empty disables the check.
	StaffKeyHash string
	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler
}

func NewHandler(engine Engine, options Options) *Handler {
	return &Handler{
		engine:       engine,
		logger:       options.Logger,
		limiter:      NewRateLimiter(options.RateLimit),
		staffKeyHash: options.StaffKeyHash,
		realtime:     options.Realtime,
	}
}

type checkInRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type completeRequest struct {
	Notes map[string]any `json:"notes"`
}

type statusRequest struct {
	Status models.DoctorStatus `json:"status"`
}

type leaveRequest struct {
	StartTime     time.Time            `json:"start_time"`
	EndTime       time.Time            `json:"end_time"`
	ExceptionType models.ExceptionType `json:"exception_type"`
	Reason        string               `json:"reason"`
}

func (r leaveRequest) leave(doctorID string) models.Leave {
	return models.Leave{
		DoctorID:      doctorID,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		ExceptionType: r.ExceptionType,
		Reason:        strings.TrimSpace(r.Reason),
	}
}

func (h *Handler) Routes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleHTTPError

	e.Use(RequestID())
	e.Use(Logger(h.logger))
	e.Use(Recovery(h.logger))
	e.Use(h.limiter.Middleware())
	e.Use(StaffKeyMiddleware(h.staffKeyHash))

	e.GET("/healthz", h.handleHealth)
	e.GET("/metrics", echo.WrapHandler(expvar.Handler()))
	if h.realtime != nil {
		e.Any("/realtime/*", echo.WrapHandler(h.realtime))
	}

	api := e.Group("/api")
	api.POST("/tokens", h.handleBook)
	api.GET("/tokens/:id", h.handleGetToken)
	api.POST("/tokens/:id/actions/check-in", h.handleCheckIn)
	api.POST("/tokens/:id/actions/wait", h.handleWait)
	api.POST("/tokens/:id/actions/start", h.handleStart)
	api.POST("/tokens/:id/actions/complete", h.handleComplete)
	api.POST("/tokens/:id/actions/no-show", h.handleNoShow)
	api.POST("/tokens/:id/actions/cancel", h.handleCancel)
	api.GET("/doctors/:id/queue", h.handleDoctorQueue)
	api.PATCH("/doctors/:id/status", h.handleDoctorStatus)
	api.POST("/doctors/:id/leave", h.handleLeave)
	api.POST("/doctors/:id/leave/preview", h.handleLeavePreview)
	return e
}

func (h *Handler) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleBook(c echo.Context) error {
	var req queue.BookRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.HospitalID = strings.TrimSpace(req.HospitalID)

	booking, err := h.engine.Book(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, booking)
}

func (h *Handler) handleGetToken(c echo.Context) error {
	view, err := h.engine.GetToken(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) handleCheckIn(c echo.Context) error {
	var req checkInRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return writeError(c, http.StatusBadRequest, store.KindValidation, "latitude and longitude are required", nil)
	}
	result, err := h.engine.CheckIn(c.Request().Context(), c.Param("id"), *req.Latitude, *req.Longitude)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) handleWait(c echo.Context) error {
	token, err := h.engine.EnterWaiting(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, token)
}

func (h *Handler) handleStart(c echo.Context) error {
	tr, err := h.engine.StartConsultation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, tr)
}

func (h *Handler) handleComplete(c echo.Context) error {
	var req completeRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	completion, err := h.engine.CompleteConsultation(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, completion)
}

func (h *Handler) handleNoShow(c echo.Context) error {
	var req reasonRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	tr, err := h.engine.MarkNoShow(c.Request().Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, tr)
}

func (h *Handler) handleCancel(c echo.Context) error {
	var req reasonRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	tr, err := h.engine.Cancel(c.Request().Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, tr)
}

func (h *Handler) handleDoctorQueue(c echo.Context) error {
	view, err := h.engine.DoctorQueue(c.Request().Context(), c.Param("id"), strings.TrimSpace(c.QueryParam("day")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) handleDoctorStatus(c echo.Context) error {
	var req statusRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	change, err := h.engine.SetDoctorStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, change)
}

func (h *Handler) handleLeave(c echo.Context) error {
	var req leaveRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	outcome, err := h.engine.ReportLeave(c.Request().Context(), req.leave(c.Param("id")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, outcome)
}

func (h *Handler) handleLeavePreview(c echo.Context) error {
	var req leaveRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload", nil)
	}
	plan, err := h.engine.PreviewLeave(c.Request().Context(), req.leave(c.Param("id")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

// fail writes the error envelope for an engine error. Internal errors are
// logged and never echoed to the client.
func (h *Handler) fail(c echo.Context, err error) error {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && code == store.KindInternal {
		h.logger.Error().Err(err).Str("request_id", requestID(c)).Str("path", c.Path()).Msg("request failed")
	}
	return writeError(c, status, code, message, details)
}

func (h *Handler) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = h.fail(c, err)
		return
	}
	code := codeInternal
	switch he.Code {
	case http.StatusNotFound:
		code = store.KindNotFound
	case http.StatusMethodNotAllowed:
		code = codeMethodNotAllowed
	case http.StatusUnauthorized:
		code = codeUnauthorized
	case http.StatusRequestEntityTooLarge:
		code = store.KindValidation
	}
	_ = writeError(c, he.Code, code, fmt.Sprint(he.Message), nil)
}

// decodeJSON strictly decodes the request body into dst. An empty body is an
// error only when required is set.
func decodeJSON(c echo.Context, dst any, required bool) error {
	body := c.Request().Body
	if body == nil {
		if required {
			return io.EOF
		}
		return nil
	}
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(dst)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	return err
}
