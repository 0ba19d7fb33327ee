package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLog redirects the default slog output into a buffer for the
// duration of the test. The middleware in this package logs through the
// process default logger.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parsing log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLoggerLogsRequest(t *testing.T) {
	buf := captureLog(t)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "192.0.2.10:41000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	entry := lastLogEntry(t, buf)
	if entry["method"] != "GET" {
		t.Fatalf("expected method GET, got %v", entry["method"])
	}
	if entry["path"] != "/api/v1/status" {
		t.Fatalf("expected path /api/v1/status, got %v", entry["path"])
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
	if entry["remote_addr"] != "192.0.2.10:41000" {
		t.Fatalf("expected remote_addr in log, got %v", entry["remote_addr"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in log output")
	}
}

func TestStructuredLoggerExplicitStatus(t *testing.T) {
	buf := captureLog(t)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/meetings/m-404", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	entry := lastLogEntry(t, buf)
	if entry["path"] != "/api/v1/meetings/m-404" {
		t.Fatalf("expected path /api/v1/meetings/m-404, got %v", entry["path"])
	}
	if entry["status"] != float64(404) {
		t.Fatalf("expected status 404, got %v", entry["status"])
	}
}

func TestStructuredLoggerDoubleWriteHeader(t *testing.T) {
	buf := captureLog(t)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError) // Should be ignored.
	}))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/mode", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", entry["status"])
	}
}

// The control WebSocket shares the listener with the ops API, so the
// logging wrapper has to hand the connection over on upgrade.
func TestStructuredLoggerSupportsHijack(t *testing.T) {
	captureLog(t)

	hijackErr := make(chan error, 1)
	srv := httptest.NewServer(StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			hijackErr <- errUnsupportedHijack
			return
		}
		conn, rw, err := hj.Hijack()
		if err != nil {
			hijackErr <- err
			return
		}
		defer conn.Close()
		rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n\r\n")
		rw.Flush()
		hijackErr <- nil
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if err := <-hijackErr; err != nil {
		t.Fatalf("hijack failed: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
}

func TestWrapResponseWriterDefaultStatus(t *testing.T) {
	w := newWrapResponseWriter(httptest.NewRecorder())

	if w.status != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", w.status)
	}
}

func TestWrapResponseWriterCapturesStatus(t *testing.T) {
	w := newWrapResponseWriter(httptest.NewRecorder())

	w.WriteHeader(http.StatusBadRequest)

	if w.status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.status)
	}
}

func TestWrapResponseWriterHijackUnsupported(t *testing.T) {
	// httptest.ResponseRecorder does not implement http.Hijacker.
	w := newWrapResponseWriter(httptest.NewRecorder())

	if _, _, err := w.Hijack(); err == nil {
		t.Fatal("expected an error hijacking a non-hijackable writer")
	}
}
