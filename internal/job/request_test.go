// Copyright 2025 James Ross
package job

import "testing"

func validSearchRequest() *SearchDownloadRequest {
	return &SearchDownloadRequest{
		Provider:    "copernicus",
		Collection:  "SENTINEL-2",
		ProductType: "S2MSI2A",
		StartDate:   "2026-01-01",
		EndDate:     "2026-01-02",
		AOI:         AOISpec{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
	}
}

func TestSearchDownloadRequestValidate(t *testing.T) {
	if err := validSearchRequest().Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	bad := validSearchRequest()
	bad.EndDate = "2025-12-31"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for end_date before start_date")
	}

	bad = validSearchRequest()
	bad.OutputDir = "../../etc"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for traversal output_dir")
	}

	bad = validSearchRequest()
	bad.AOI = AOISpec{}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for missing aoi")
	}
}

func TestDownloadProductsRequestValidate(t *testing.T) {
	r := &DownloadProductsRequest{
		Provider:   "usgs",
		Collection: "landsat",
		ProductIDs: []string{"p1", "p2"},
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	r2 := &DownloadProductsRequest{Provider: "usgs", Collection: "landsat"}
	if err := r2.Validate(); err == nil {
		t.Fatalf("expected error for empty product_ids")
	}
}

func TestValidateOutputDir(t *testing.T) {
	rejected := []string{"/abs", "../x", "a/../b"}
	for _, d := range rejected {
		if err := validateOutputDir(d); err == nil {
			t.Fatalf("expected rejection of %q", d)
		}
	}
	accepted := []string{"", "a", "a/b", "a/b/c"}
	for _, d := range accepted {
		if err := validateOutputDir(d); err != nil {
			t.Fatalf("expected acceptance of %q, got %v", d, err)
		}
	}
}

func TestMarshalUnmarshalRequestRoundTrip(t *testing.T) {
	orig := validSearchRequest()
	data, err := MarshalRequest(orig)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalRequest(data)
	if err != nil {
		t.Fatal(err)
	}
	sd, ok := got.(*SearchDownloadRequest)
	if !ok {
		t.Fatalf("expected *SearchDownloadRequest, got %T", got)
	}
	if sd.Collection != orig.Collection || sd.StartDate != orig.StartDate {
		t.Fatalf("round trip mismatch: %+v vs %+v", sd, orig)
	}
}
