// Copyright 2025 James Ross
package provider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/download"
)

func TestStubProviderSearchAndDownload(t *testing.T) {
	mgr := download.NewManager(config.Download{MaxRetries: 2, ChunkSize: 64 * 1024, ReadTimeout: 5e9})
	stub := NewStubProvider("copernicus", []string{"p1", "p2"}, 1024, 0, 0, mgr)
	defer stub.Close()

	ids, err := stub.SearchProducts(context.Background(), SearchParams{Collection: "SENTINEL-2"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 product ids, got %d", len(ids))
	}

	dir := t.TempDir()
	paths, err := stub.DownloadProducts(context.Background(), ids, dir, nil, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %d", len(paths))
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() != 1024 {
			t.Fatalf("expected 1024 bytes, got %d", info.Size())
		}
	}
}

func TestRegistryGet(t *testing.T) {
	mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 64 * 1024})
	stub := NewStubProvider("usgs", []string{"p1"}, 128, 0, 0, mgr)
	defer stub.Close()

	reg := NewRegistry(stub)
	got, ok := reg.Get("usgs")
	if !ok || got.Name() != "usgs" {
		t.Fatalf("expected to resolve usgs provider, got %v, %v", got, ok)
	}
	if _, ok := reg.Get("unknown"); ok {
		t.Fatal("expected unknown provider to be absent")
	}
}

func TestBuildODataFilterIncludesCollectionAndDates(t *testing.T) {
	q := buildODataFilter(SearchParams{Collection: "SENTINEL-2", StartDate: "2026-01-01", EndDate: "2026-01-02"})
	if !strings.Contains(q, "Collection/Name eq 'SENTINEL-2'") {
		t.Fatalf("expected collection clause, got %s", q)
	}
	if !strings.Contains(q, "2026-01-01T00:00:00Z") || !strings.Contains(q, "2026-01-02T23:59:59Z") {
		t.Fatalf("expected date bounds, got %s", q)
	}
}

func TestFileNameFromURL(t *testing.T) {
	name := fileNameFromURL("https://example.com/downloads/scene%2001.zip", "LANDSAT", 0)
	if name != "scene 01.zip" {
		t.Fatalf("expected unescaped file name, got %q", name)
	}
	fallback := fileNameFromURL("https://example.com/", "LANDSAT", 3)
	if filepath.Ext(fallback) != ".zip" {
		t.Fatalf("expected fallback .zip name, got %q", fallback)
	}
}
