package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func applySecurityHeaders(env string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	SecurityHeaders(env)(next).ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders_AlwaysSet(t *testing.T) {
	rec := applySecurityHeaders("development", nil)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	// Development never sends HSTS.
	rec := applySecurityHeaders("development", func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	// Production over plain HTTP does not either.
	rec = applySecurityHeaders("production", nil)
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = applySecurityHeaders("production", func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=")
}
