package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ode-ingress/internal/config"
	"ode-ingress/internal/metrics"
)

func newTestClient(m *metrics.Metrics) *UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(m)

	header := http.Header{"Content-Type": {"application/json"}}
	reply, err := c.Fetch(context.Background(), http.MethodPost, srv.URL+"/coordinator/start", header, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if reply.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", reply.StatusCode, http.StatusCreated)
	}
	if string(reply.Body) != `{"a":1}` {
		t.Errorf("body = %q, want %q", string(reply.Body), `{"a":1}`)
	}
	if ct := reply.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "ode_ingress_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected ode_ingress_upstream_responses_total to be recorded")
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	reply, err := newTestClient(nil).Fetch(context.Background(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if reply.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", reply.StatusCode, http.StatusFound)
	}
}

func TestUpstreamClient_Fetch_Error(t *testing.T) {
	c := newTestClient(nil)

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", nil, nil)
	if err == nil {
		t.Fatal("Fetch() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Fetch_Deadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient(nil).Fetch(ctx, http.MethodGet, srv.URL+"/slow", nil, nil)
	if err == nil {
		t.Fatal("Fetch() expected error for expired deadline, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch() took %v; the context deadline should bound it", elapsed)
	}
}
