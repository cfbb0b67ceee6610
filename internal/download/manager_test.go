// Copyright 2025 James Ross
package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/config"
)

func testCfg() config.Download {
	return config.Download{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		ChunkSize:   64 * 1024,
		ReadTimeout: 5 * time.Second,
	}
}

func TestDownloadProductsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	m := NewManager(testCfg())
	dir := t.TempDir()
	paths, err := m.DownloadProducts(context.Background(), Request{
		URLs:      []string{srv.URL + "/a", srv.URL + "/b"},
		FileNames: []string{"a.bin", "b.bin"},
	}, dir, nil, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestDownloadProductsRetriesOn503(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := NewManager(testCfg())
	dir := t.TempDir()
	paths, err := m.DownloadProducts(context.Background(), Request{
		URLs:      []string{srv.URL},
		FileNames: []string{"f.bin"},
	}, dir, nil, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %d", len(paths))
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDownloadProductsRefreshesOn401(t *testing.T) {
	var sawFreshToken int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			atomic.StoreInt32(&sawFreshToken, 1)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(testCfg())
	dir := t.TempDir()
	refreshed := false
	_, err := m.DownloadProducts(context.Background(), Request{
		URLs:      []string{srv.URL},
		FileNames: []string{"f.bin"},
		Headers:   map[string]string{"Authorization": "Bearer stale"},
		RefreshTokenCallback: func(ctx context.Context) (string, error) {
			refreshed = true
			return "fresh", nil
		},
	}, dir, nil, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !refreshed || atomic.LoadInt32(&sawFreshToken) != 1 {
		t.Fatalf("expected token refresh to be used")
	}
}

func TestDownloadProductsPartialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := NewManager(testCfg())
	dir := t.TempDir()
	paths, err := m.DownloadProducts(context.Background(), Request{
		URLs:      []string{srv.URL + "/good", srv.URL + "/bad"},
		FileNames: []string{"good.bin", "bad.bin"},
	}, dir, nil, nil)
	if err != nil {
		t.Fatalf("expected partial success without error, got %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 successful path, got %d", len(paths))
	}
}

func TestDownloadProductsAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := NewManager(testCfg())
	dir := t.TempDir()
	_, err := m.DownloadProducts(context.Background(), Request{
		URLs:      []string{srv.URL},
		FileNames: []string{"f.bin"},
	}, dir, nil, nil)
	if err == nil {
		t.Fatal("expected error when all downloads fail")
	}
}

func TestWaitForSearchUnlimitedByDefault(t *testing.T) {
	m := NewManager(testCfg())
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := m.WaitForSearch(context.Background()); err != nil {
			t.Fatalf("WaitForSearch: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected no pacing with search_rate_limit_per_sec unset, took %s", elapsed)
	}
}

func TestWaitForSearchPacesCalls(t *testing.T) {
	cfg := testCfg()
	cfg.SearchRateLimit = 20
	m := NewManager(cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := m.WaitForSearch(context.Background()); err != nil {
			t.Fatalf("WaitForSearch: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected pacing to delay the 3rd call, took %s", elapsed)
	}
}

func TestDownloadProductsCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := NewManager(testCfg())
	dir := t.TempDir()
	_, err := m.DownloadProducts(context.Background(), Request{
		URLs:      []string{srv.URL},
		FileNames: []string{"f.bin"},
	}, dir, nil, func() bool { return true })
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
