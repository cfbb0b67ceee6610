// Copyright 2025 James Ross
package geo

import (
	"testing"

	"github.com/nimbuschain/fetch-engine/internal/job"
)

func TestParseAOIWKTPolygon(t *testing.T) {
	spec := job.AOISpec{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))"}
	geom, err := ParseAOI(spec)
	if err != nil {
		t.Fatalf("expected valid polygon, got %v", err)
	}
	if geom.GeoJSONType() != "Polygon" {
		t.Fatalf("expected Polygon, got %s", geom.GeoJSONType())
	}
}

func TestParseAOIRejectsMissing(t *testing.T) {
	if _, err := ParseAOI(job.AOISpec{}); err == nil {
		t.Fatalf("expected error for empty aoi spec")
	}
}

func TestParseAOIRejectsNonPolygonal(t *testing.T) {
	spec := job.AOISpec{WKT: "POINT(0 0)"}
	if _, err := ParseAOI(spec); err == nil {
		t.Fatalf("expected error for point geometry")
	}
}

func TestParseAOIGeoJSON(t *testing.T) {
	raw := []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`)
	spec := job.AOISpec{GeoJSON: raw}
	geom, err := ParseAOI(spec)
	if err != nil {
		t.Fatalf("expected valid geojson polygon, got %v", err)
	}
	if geom.GeoJSONType() != "Polygon" {
		t.Fatalf("expected Polygon, got %s", geom.GeoJSONType())
	}
}
