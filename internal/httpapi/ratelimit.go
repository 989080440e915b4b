package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	HospitalPerMinute int
	HospitalBurst     int
	// Now defaults to time.Now.
	Now func() time.Time
}

// RateLimiter applies a token bucket per client IP and another per hospital.
type RateLimiter struct {
	ipLimiter       *tokenLimiter
	hospitalLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		ipLimiter:       newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst, now),
		hospitalLimiter: newTokenLimiter(cfg.HospitalPerMinute, cfg.HospitalBurst, now),
	}
}

func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if ip := clientIP(r); ip != "" && !l.ipLimiter.allow(ip) {
				return writeError(c, http.StatusTooManyRequests, codeRateLimited, "too many requests", nil)
			}
			if hospitalID := hospitalFromRequest(r); hospitalID != "" && !l.hospitalLimiter.allow(hospitalID) {
				return writeError(c, http.StatusTooManyRequests, codeRateLimited, "too many requests for hospital", nil)
			}
			return next(c)
		}
	}
}

type tokenLimiter struct {
	mu     sync.Mutex
	now    func() time.Time
	rate   float64
	burst  float64
	bucket map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int, now func() time.Time) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		now:    now,
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hospitalFromRequest looks for the hospital in the X-Hospital-ID header,
// the hospital_id query parameter, then a JSON body. The body is restored
// for the handler.
func hospitalFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Hospital-ID")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("hospital_id")); id != "" {
		return id
	}
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := readBody(r)
	if err != nil {
		return ""
	}
	var payload struct {
		HospitalID string `json:"hospital_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.HospitalID)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
