package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// StaffKeyMiddleware guards the doctor-side routes with a shared API key
// compared against a bcrypt hash. Patient-facing routes stay open.
func StaffKeyMiddleware(hash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hash == "" || !requiresStaffKey(c.Request().Method, c.Path()) {
				return next(c)
			}
			key := staffKeyFromRequest(c.Request())
			if key == "" {
				return writeError(c, http.StatusUnauthorized, codeUnauthorized, "missing staff key", nil)
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
				return writeError(c, http.StatusUnauthorized, codeUnauthorized, "invalid staff key", nil)
			}
			return next(c)
		}
	}
}

func requiresStaffKey(method, route string) bool {
	if method == http.MethodOptions {
		return false
	}
	switch route {
	case "/api/tokens/:id/actions/start",
		"/api/tokens/:id/actions/complete",
		"/api/tokens/:id/actions/no-show":
		return true
	}
	return strings.HasPrefix(route, "/api/doctors/")
}

func staffKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
