package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealthz(t *testing.T) {
	api := New(nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandlePoolWithProvider(t *testing.T) {
	api := New(func() PoolStats { return PoolStats{IdleConnections: 3, MaxPoolSize: 10} })
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/pool")
	if err != nil {
		t.Fatalf("GET /admin/pool: %v", err)
	}
	defer resp.Body.Close()

	var stats PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.IdleConnections != 3 || stats.MaxPoolSize != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHandlePoolWithoutProvider(t *testing.T) {
	api := New(nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/pool")
	if err != nil {
		t.Fatalf("GET /admin/pool: %v", err)
	}
	defer resp.Body.Close()

	var stats PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats != (PoolStats{}) {
		t.Fatalf("expected zero-value stats, got %+v", stats)
	}
}
