// Copyright 2025 James Ross

// Package geo parses and validates the area-of-interest geometry carried
// by search_download requests, using github.com/paulmach/orb for WKT and
// GeoJSON decoding.
package geo

import (
	"fmt"

	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// ParseAOI decodes a job.AOISpec into an orb.Geometry, requiring a
// non-empty Polygon or MultiPolygon. Exactly one of WKT/GeoJSON must be
// set on the spec.
func ParseAOI(spec job.AOISpec) (orb.Geometry, error) {
	switch {
	case spec.WKT != "" && len(spec.GeoJSON) > 0:
		return nil, fmt.Errorf("aoi: set exactly one of wkt or geojson")
	case spec.WKT != "":
		geom, err := wkt.Unmarshal(spec.WKT)
		if err != nil {
			return nil, fmt.Errorf("aoi: invalid wkt: %w", err)
		}
		return validatePolygonal(geom)
	case len(spec.GeoJSON) > 0:
		g, err := geojson.UnmarshalGeometry(spec.GeoJSON)
		if err != nil {
			return nil, fmt.Errorf("aoi: invalid geojson: %w", err)
		}
		return validatePolygonal(g.Geometry())
	default:
		return nil, fmt.Errorf("aoi: neither wkt nor geojson supplied")
	}
}

func validatePolygonal(geom orb.Geometry) (orb.Geometry, error) {
	switch g := geom.(type) {
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) == 0 {
			return nil, fmt.Errorf("aoi: polygon has no rings")
		}
		return g, nil
	case orb.MultiPolygon:
		if len(g) == 0 {
			return nil, fmt.Errorf("aoi: multipolygon is empty")
		}
		for _, poly := range g {
			if len(poly) == 0 || len(poly[0]) == 0 {
				return nil, fmt.Errorf("aoi: multipolygon contains a ringless polygon")
			}
		}
		return g, nil
	default:
		return nil, fmt.Errorf("aoi: must be a Polygon or MultiPolygon, got %T", geom)
	}
}
