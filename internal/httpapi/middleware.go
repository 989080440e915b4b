package httpapi

import (
	"expvar"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const requestIDKey = "request_id"

var (
	requestsTotal  = expvar.NewInt("http_requests_total")
	requestsErrors = expvar.NewInt("http_requests_errors_total")
)

// RequestID reuses an incoming X-Request-ID or mints one, and echoes it back.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(echo.HeaderXRequestID))
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(requestIDKey, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}

// Logger writes one structured line per request and feeds the expvar counters.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			requestsTotal.Add(1)
			if status >= http.StatusBadRequest {
				requestsErrors.Add(1)
			}

			event := logger.Info()
			if status >= http.StatusInternalServerError {
				event = logger.Error()
			} else if status >= http.StatusBadRequest {
				event = logger.Warn()
			}
			event.
				Str("request_id", requestID(c)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := make([]byte, 4096)
					length := runtime.Stack(stack, false)
					logger.Error().
						Str("request_id", requestID(c)).
						Str("panic", fmt.Sprint(r)).
						Str("stack", string(stack[:length])).
						Msg("panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
