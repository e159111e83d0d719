package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error {
	return m.err
}

func TestLivez_ReturnsOK(t *testing.T) {
	server := NewServer(testLogger(), newMockBackend(), Options{})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/livez", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status: got %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz_NoDependencies(t *testing.T) {
	server := NewServer(testLogger(), newMockBackend(), Options{})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadyz_OneDependencyDown(t *testing.T) {
	deps := map[string]Pinger{
		"postgres":   &mockPinger{},
		"blockstore": PingFunc(func(context.Context) error { return errors.New("permission denied") }),
	}
	server := NewServer(testLogger(), newMockBackend(), Options{Dependencies: deps})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want %d\nbody: %s", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
	var resp readyzResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unavailable" {
		t.Errorf("status: got %q, want %q", resp.Status, "unavailable")
	}
	if resp.Dependencies["postgres"].Status != "ok" {
		t.Errorf("postgres: got %q, want %q", resp.Dependencies["postgres"].Status, "ok")
	}
	if d := resp.Dependencies["blockstore"]; d.Status != "error" || d.Error != "permission denied" {
		t.Errorf("blockstore: got %+v", d)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewServer(testLogger(), newMockBackend(), Options{Metrics: true})

	server.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/livez", nil))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, "tdmq_requests_total") {
		t.Error("tdmq_requests_total not exported")
	}
}
