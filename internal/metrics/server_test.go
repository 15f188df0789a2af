package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0", Gatherer: prometheus.NewRegistry()})

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz"} {
		rec := serve(t, s, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != "ok" {
			t.Errorf("%s body = %q", path, rec.Body.String())
		}
	}
}

func TestServer_NotReady(t *testing.T) {
	ready := false
	s := NewServer(ServerConfig{
		Gatherer: prometheus.NewRegistry(),
		Ready:    func() bool { return ready },
	})

	if rec := serve(t, s, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec := serve(t, s, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("health should not depend on readiness, got %d", rec.Code)
	}

	ready = true
	if rec := serve(t, s, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	c, reg := newTestCollector()
	c.TickStarted()

	s := NewServer(ServerConfig{Gatherer: reg})
	rec := serve(t, s, http.MethodGet, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "grid_controller_ticks_total 1") {
		t.Errorf("metrics body missing ticks_total:\n%s", rec.Body.String())
	}
}

func TestServer_Status(t *testing.T) {
	s := NewServer(ServerConfig{
		Gatherer: prometheus.NewRegistry(),
		Status: func() any {
			return map[string]any{"state": "running", "streams": []string{"cam1", "cam2"}}
		},
	})

	rec := serve(t, s, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}

	var body struct {
		State   string   `json:"state"`
		Streams []string `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "running" || len(body.Streams) != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestServer_StatusUnavailable(t *testing.T) {
	s := NewServer(ServerConfig{Gatherer: prometheus.NewRegistry()})
	if rec := serve(t, s, http.MethodGet, "/api/v1/status"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	s := NewServer(ServerConfig{Gatherer: prometheus.NewRegistry()})
	if rec := serve(t, s, http.MethodGet, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0", Gatherer: prometheus.NewRegistry()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if s.Addr() != "127.0.0.1:0" {
		t.Errorf("Addr() = %q", s.Addr())
	}
}

func TestServer_StartBindError(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "256.0.0.1:bad", Gatherer: prometheus.NewRegistry()})
	if err := s.Start(); err == nil {
		t.Error("Start() with an invalid address should fail")
	}
}
