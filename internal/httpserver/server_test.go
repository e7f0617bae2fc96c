package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/warpshare/warpshare/internal/config"
	"github.com/warpshare/warpshare/internal/metrics"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	m := metrics.New()
	m.Inc(metrics.SessionsCreated)
	m.Add(metrics.MessagesRelayed, 7)
	return New(cfg, slog.New(slog.NewTextHandler(testWriter{t}, nil)), BuildInfo{Commit: "abc123"}, m, func() (int, int) { return 2, 4 })
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func handler(s *Server) http.Handler {
	return chain(s.Mux(),
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		s.originMiddleware(),
	)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rr := httptest.NewRecorder()
	handler(s).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var body struct {
		Status      string `json:"status"`
		Sessions    int    `json:"sessions"`
		Connections int    `json:"connections"`
		Timestamp   int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Sessions != 2 || body.Connections != 4 || body.Timestamp == 0 {
		t.Fatalf("body = %+v", body)
	}
}

func TestHealthz_IgnoresOriginPolicy(t *testing.T) {
	s := newTestServer(t, config.Config{AllowedOrigins: []string{"https://app.example"}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr := httptest.NewRecorder()
	handler(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("liveness must not require origin approval, got %d", rr.Code)
	}
}

func TestStatz_Totals(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rr := httptest.NewRecorder()
	handler(s).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/statz", nil))

	var body struct {
		Totals map[string]uint64 `json:"totals"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Totals["sessionsCreated"] != 1 {
		t.Fatalf("sessionsCreated = %d", body.Totals["sessionsCreated"])
	}
	if body.Totals["messagesRelayed"] != 7 {
		t.Fatalf("messagesRelayed = %d", body.Totals["messagesRelayed"])
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rr := httptest.NewRecorder()
	handler(s).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/version", nil))

	var body BuildInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Commit != "abc123" {
		t.Fatalf("commit = %q", body.Commit)
	}
}

func TestOriginMiddleware(t *testing.T) {
	s := newTestServer(t, config.Config{AllowedOrigins: []string{"https://app.example"}})
	h := handler(s)

	req := httptest.NewRequest(http.MethodGet, "/statz", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("allowed origin got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("ACAO = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/statz", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin got %d", rr.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rr := httptest.NewRecorder()
	handler(s).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rr = httptest.NewRecorder()
	handler(s).ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("request id = %q, want caller's", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := newTestServer(t, config.Config{})
	s.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rr := httptest.NewRecorder()
	handler(s).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}
