package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeReportsOnlineOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if !New(srv.URL, time.Second, srv.Client()).Probe(context.Background()) {
		t.Fatalf("expected online")
	}
}

func TestProbeReportsOfflineOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if New(srv.URL, time.Second, srv.Client()).Probe(context.Background()) {
		t.Fatalf("expected offline on 502")
	}
}

func TestProbeReportsOfflineOnTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	if New(srv.URL, 50*time.Millisecond, srv.Client()).Probe(context.Background()) {
		t.Fatalf("expected offline on timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe ignored its timeout: %v", elapsed)
	}
}

func TestProbeReportsOfflineOnUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if New(url, time.Second, nil).Probe(context.Background()) {
		t.Fatalf("expected offline for closed server")
	}
	if New("://bad", time.Second, nil).Probe(context.Background()) {
		t.Fatalf("expected offline for malformed url")
	}
}
