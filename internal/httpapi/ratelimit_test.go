package httpapi

import (
	"net/http"
	"testing"
	"time"
)

func TestIPRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newTestHandler(fakeEngine{}, Options{RateLimit: RateLimitConfig{
		IPPerMinute: 60,
		IPBurst:     2,
		Now:         func() time.Time { return now },
	}})

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != codeRateLimited {
		t.Fatalf("unexpected code %s", resp.Error.Code)
	}

	now = now.Add(time.Second)
	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected refill after a second, got %d", rec.Code)
	}
}

func TestHospitalRateLimitFromBody(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newTestHandler(fakeEngine{}, Options{RateLimit: RateLimitConfig{
		IPPerMinute:       600,
		IPBurst:           100,
		HospitalPerMinute: 1,
		HospitalBurst:     1,
		Now:               func() time.Time { return now },
	}})

	body := map[string]any{"patient_id": "p-1", "hospital_id": "h-1"}
	if rec := doJSON(t, h, http.MethodPost, "/api/tokens", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/tokens", body, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for hospital, got %d", rec.Code)
	}
	other := map[string]any{"patient_id": "p-2", "hospital_id": "h-2"}
	if rec := doJSON(t, h, http.MethodPost, "/api/tokens", other, nil); rec.Code != http.StatusCreated {
		t.Fatalf("other hospital should pass, got %d", rec.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded ip, got %q", got)
	}
}
