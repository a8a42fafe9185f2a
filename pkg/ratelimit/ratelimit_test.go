package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	assert.Equal(t, "203.0.113.7", ClientIP(r))

	r.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", ClientIP(r))
}

func TestLimiter_AllowBurstThenReject(t *testing.T) {
	l := New(60) // 1/sec, burst 60

	for i := 0; i < 60; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "request %d within burst should be allowed", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "request beyond burst should be rejected")
}

func TestLimiter_PerIPIsolation(t *testing.T) {
	l := New(1)

	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"), "a different client should have its own bucket")
}

func TestLimiter_Middleware(t *testing.T) {
	l := New(1)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1111"

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}
