package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestIDGeneratesID(t *testing.T) {
	var got string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromRequest(r)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" {
		t.Fatalf("request id not set in context")
	}
	if header := rec.Header().Get("X-Request-Id"); header != got {
		t.Fatalf("response header = %q, context = %q", header, got)
	}
}

func TestWithRequestIDPropagatesIncoming(t *testing.T) {
	var got string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromRequest(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "abc-123" {
		t.Fatalf("request id = %q, want abc-123", got)
	}
}

func TestLoggerFromContextDefault(t *testing.T) {
	if LoggerFromContext(nil) == nil {
		t.Fatalf("LoggerFromContext(nil) = nil, want default logger")
	}
}
