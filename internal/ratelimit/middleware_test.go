package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	client, _ := newRedis(t)
	handler := Handler{
		Backend: SlidingWindow{Client: client, Prefix: "ratelimit:", Window: time.Second, Max: 1},
		Key:     func(*http.Request) string { return "static" },
	}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/commands", nil)
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr2.Header().Get("X-RateLimit-Remaining"))
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
}

type failingBackend struct{}

func (failingBackend) Take(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	called := false
	handler := Handler{
		Backend: failingBackend{},
		Key:     func(*http.Request) string { return "err" },
		OnError: func(error) { called = true },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}

func TestFixedWindowBackend(t *testing.T) {
	client, _ := newRedis(t)
	backend, err := NewFixedWindow(client, "2-M", "price")
	require.NoError(t, err)

	handler := Handler{Backend: backend, Key: ByClientIP("price:")}.Middleware(okHandler())
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/price", nil)
		req.RemoteAddr = "192.0.2.10:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/price", nil)
	req.RemoteAddr = "192.0.2.11:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestNewFixedWindowRejectsBadRate(t *testing.T) {
	client, _ := newRedis(t)
	_, err := NewFixedWindow(client, "lots", "price")
	require.Error(t, err)
}
