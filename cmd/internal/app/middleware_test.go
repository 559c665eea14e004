package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"goldvision/cmd/internal/transport"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithRequestLogging_RecordsCorrelationHeaders(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}), log)

	req := httptest.NewRequest(http.MethodPost, "/api/alerts", nil)
	req.Header.Set(transport.HeaderRequestID, "req-1")
	req.Header.Set(transport.HeaderSessionID, "sid-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" || line["status"] != float64(403) || line["bytes"] != float64(4) {
		t.Fatalf("line=%v", line)
	}
	if line["request_id"] != "req-1" || line["session_id"] != "sid-1" || line["status_class"] != "4xx" {
		t.Fatalf("line=%v want correlation fields", line)
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want=%q", k, got, v)
		}
	}
}
