package middleware

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestRecoveryAndLogging(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	h := RequestID(Logging(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))))
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	req.Header.Set("X-Account", "alice")
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"internal"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if got := rec.Header().Get(chimw.RequestIDHeader); got != "req-42" {
		t.Fatalf("request id header = %q", got)
	}
	out := buf.String()
	if !strings.Contains(out, `"status":500`) || !strings.Contains(out, `"account":"alice"`) || !strings.Contains(out, `"request_id":"req-42"`) {
		t.Fatalf("access log missing fields: %s", out)
	}
}

func TestLoggingRecordsBytesAndStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	h := RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("queued"))
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rewards/1/claim", nil))

	var entry struct {
		Status    int    `json:"status"`
		Bytes     int    `json:"bytes"`
		Route     string `json:"route"`
		RequestID string `json:"request_id"`
	}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line[strings.Index(line, "{"):]), &entry); err != nil {
		t.Fatalf("decode access log %q: %v", line, err)
	}
	if entry.Status != http.StatusAccepted || entry.Bytes != 6 || entry.Route != "/api/rewards/1/claim" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.RequestID == "" || entry.RequestID != rec.Header().Get(chimw.RequestIDHeader) {
		t.Fatalf("generated request id %q not echoed (%q)", entry.RequestID, rec.Header().Get(chimw.RequestIDHeader))
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(nil)(SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })))
	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if called || rec.Code != http.StatusNoContent {
		t.Fatalf("preflight reached handler=%v code=%d", called, rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("wildcard origin not granted")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Account") {
		t.Fatalf("X-Account not allowed")
	}
}

func TestCORSOriginList(t *testing.T) {
	h := CORS([]string{"https://app.example/"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tests := []struct {
		origin string
		want   string
	}{
		{"https://app.example", "https://app.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/counters", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("allow origin = %q, want %q", got, tt.want)
			}
			if rec.Header().Get("Vary") != "Origin" {
				t.Fatalf("missing Vary: Origin")
			}
			if rec.Header().Get("Access-Control-Expose-Headers") != chimw.RequestIDHeader {
				t.Fatalf("request id not exposed")
			}
		})
	}
}
