// Copyright 2025 James Ross

// Package provider adapts each satellite-imagery catalogue's search and
// download APIs behind one interface, so the orchestrator never branches
// on which provider a job names.
package provider

import (
	"context"

	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/paulmach/orb"
)

// SearchParams is the catalogue query a search_download job compiles
// from its request before dispatch.
type SearchParams struct {
	Collection  string
	ProductType string
	StartDate   string
	EndDate     string
	AOI         orb.Geometry
	TileID      string
}

// Provider is implemented by every concrete satellite-imagery source.
type Provider interface {
	// Name identifies the provider for logging, metrics and breaker keys.
	Name() string

	// SearchProducts returns matching product ids, newest first.
	SearchProducts(ctx context.Context, params SearchParams) ([]string, error)

	// DownloadProducts fetches productIDs into outputDir, reporting
	// progress via progress and honoring cancel between/within files.
	DownloadProducts(ctx context.Context, productIDs []string, outputDir string, progress download.ProgressFunc, cancel download.CancelChecker) ([]string, error)
}

// Registry resolves a provider by name, used by the orchestrator to
// dispatch a job without knowing the concrete adapter set at compile time.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
