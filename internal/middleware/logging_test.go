package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/hangar/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingRecordsRequest(t *testing.T) {
	original := logging.Global()
	core, obs := observer.New(zapcore.InfoLevel)
	logging.SetGlobal(zap.New(core))
	defer logging.SetGlobal(original)

	handler := Logging()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/upload", nil))

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["status"] != int64(http.StatusCreated) {
		t.Errorf("expected status 201 in log, got %v", ctx["status"])
	}
	if ctx["path"] != "/upload" {
		t.Errorf("expected path /upload, got %v", ctx["path"])
	}
	if ctx["body_bytes"] != int64(len("created")) {
		t.Errorf("expected body_bytes %d, got %v", len("created"), ctx["body_bytes"])
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	original := logging.Global()
	core, obs := observer.New(zapcore.InfoLevel)
	logging.SetGlobal(zap.New(core))
	defer logging.SetGlobal(original)

	handler := LoggingWithConfig(LoggingConfig{SkipPaths: []string{"/heartbeat"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/heartbeat", nil))

	if len(obs.All()) != 0 {
		t.Errorf("expected no log entries for skipped path, got %d", len(obs.All()))
	}
}
