// Copyright 2025 James Ross
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/download"
)

// StubProvider is a deterministic in-process provider used by tests and
// scenario specs: it serves fixed-size payloads over a loopback HTTP
// server instead of reaching a real catalogue, so end-to-end job runs
// are fast and reproducible.
type StubProvider struct {
	name       string
	productIDs []string
	fileSize   int
	chunkCount int
	chunkDelay time.Duration
	manager    *download.Manager

	mu  sync.Mutex
	srv *httptest.Server
}

// NewStubProvider builds a stub that reports productIDs from
// SearchProducts and serves fileSize bytes per product. When
// chunkCount > 0, each file is streamed in that many chunks with
// chunkDelay between them, letting cancellation-mid-stream scenarios
// observe a download in progress.
func NewStubProvider(name string, productIDs []string, fileSize int, chunkCount int, chunkDelay time.Duration, manager *download.Manager) *StubProvider {
	return &StubProvider{
		name:       name,
		productIDs: productIDs,
		fileSize:   fileSize,
		chunkCount: chunkCount,
		chunkDelay: chunkDelay,
		manager:    manager,
	}
}

func (p *StubProvider) Name() string { return p.name }

func (p *StubProvider) SearchProducts(ctx context.Context, params SearchParams) ([]string, error) {
	if err := p.manager.WaitForSearch(ctx); err != nil {
		return nil, err
	}
	out := make([]string, len(p.productIDs))
	copy(out, p.productIDs)
	return out, nil
}

func (p *StubProvider) ensureServer() *httptest.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return p.srv
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		total := p.fileSize
		chunks := p.chunkCount
		if chunks < 1 {
			chunks = 1
		}
		chunkSize := total / chunks
		if chunkSize < 1 {
			chunkSize = total
			chunks = 1
		}
		written := 0
		flusher, _ := w.(http.Flusher)
		for i := 0; i < chunks && written < total; i++ {
			n := chunkSize
			if written+n > total {
				n = total - written
			}
			w.Write(make([]byte, n))
			written += n
			if flusher != nil {
				flusher.Flush()
			}
			if p.chunkDelay > 0 && i < chunks-1 {
				time.Sleep(p.chunkDelay)
			}
		}
	}))
	return p.srv
}

// Close releases the stub's loopback HTTP server, if one was started.
func (p *StubProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		p.srv.Close()
		p.srv = nil
	}
}

func (p *StubProvider) DownloadProducts(ctx context.Context, productIDs []string, outputDir string, progress download.ProgressFunc, cancel download.CancelChecker) ([]string, error) {
	srv := p.ensureServer()
	urls := make([]string, len(productIDs))
	fileNames := make([]string, len(productIDs))
	for i, id := range productIDs {
		urls[i] = srv.URL + "/" + id
		fileNames[i] = fmt.Sprintf("%s.bin", id)
	}
	return p.manager.DownloadProducts(ctx, download.Request{URLs: urls, FileNames: fileNames}, outputDir, progress, cancel)
}
