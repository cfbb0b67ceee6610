// Copyright 2025 James Ross
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/paulmach/orb/encoding/wkt"
)

// CopernicusProvider adapts the Copernicus Data Space Ecosystem OData
// catalogue and zipper download endpoint, grounded on the source's
// CopernicusProvider (token exchange, OData $filter construction,
// per-product name lookup before download).
type CopernicusProvider struct {
	cfg     config.CopernicusProvider
	manager *download.Manager
	client  *http.Client

	mu    sync.Mutex
	token string
}

func NewCopernicusProvider(cfg config.CopernicusProvider, manager *download.Manager) (*CopernicusProvider, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("copernicus: credentials are missing")
	}
	return &CopernicusProvider{cfg: cfg, manager: manager, client: &http.Client{Timeout: 40 * time.Second}}, nil
}

func (p *CopernicusProvider) Name() string { return "copernicus" }

func (p *CopernicusProvider) getAccessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id": {"cdse-public"},
		"username":  {p.cfg.Username},
		"password":  {p.cfg.Password},
		"grant_type": {"password"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("copernicus: token endpoint returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("copernicus: decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("copernicus: token endpoint did not return access_token")
	}
	p.mu.Lock()
	p.token = body.AccessToken
	p.mu.Unlock()
	return body.AccessToken, nil
}

func (p *CopernicusProvider) authHeader(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token == "" {
		t, err := p.getAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		token = t
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func buildODataFilter(params SearchParams) string {
	query := fmt.Sprintf(
		"Collection/Name eq '%s' and ContentDate/Start gt '%sT00:00:00Z' and ContentDate/Start lt '%sT23:59:59Z'",
		params.Collection, params.StartDate, params.EndDate,
	)
	if params.ProductType != "" {
		query += fmt.Sprintf(
			" and Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq '%s')",
			params.ProductType,
		)
	}
	if params.TileID != "" {
		query += fmt.Sprintf(
			" and Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'tileId' and att/OData.CSC.StringAttribute/Value eq '%s')",
			params.TileID,
		)
	}
	if params.AOI != nil {
		query += fmt.Sprintf(" and OData.CSC.Intersects(area=geography'SRID=4326;%s')", wkt.MarshalString(params.AOI))
	}
	return query
}

func (p *CopernicusProvider) SearchProducts(ctx context.Context, params SearchParams) ([]string, error) {
	if err := p.manager.WaitForSearch(ctx); err != nil {
		return nil, err
	}

	headers, err := p.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"$filter":  {buildODataFilter(params)},
		"$orderby": {"ContentDate/Start desc"},
		"$top":     {"1000"},
	}
	reqURL := strings.TrimRight(p.cfg.BaseURL, "/") + "/odata/v1/Products?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("copernicus: search returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Value []struct {
			ID string `json:"Id"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("copernicus: decode search response: %w", err)
	}

	ids := make([]string, 0, len(body.Value))
	for _, v := range body.Value {
		if v.ID != "" {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}

func (p *CopernicusProvider) fetchProductName(ctx context.Context, productID string) string {
	headers, err := p.authHeader(ctx)
	if err != nil {
		return productID + ".zip"
	}
	reqURL := strings.TrimRight(p.cfg.BaseURL, "/") + "/odata/v1/Products(" + productID + ")"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return productID + ".zip"
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return productID + ".zip"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return productID + ".zip"
	}
	var body struct {
		Name string `json:"Name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Name == "" {
		return productID + ".zip"
	}
	return body.Name + ".zip"
}

func (p *CopernicusProvider) DownloadProducts(ctx context.Context, productIDs []string, outputDir string, progress download.ProgressFunc, cancel download.CancelChecker) ([]string, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	headers, err := p.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(productIDs))
	fileNames := make([]string, len(productIDs))
	for i, id := range productIDs {
		urls[i] = strings.TrimRight(p.cfg.DownloadURL, "/") + "/odata/v1/Products(" + id + ")/$value"
		fileNames[i] = p.fetchProductName(ctx, id)
	}

	return p.manager.DownloadProducts(ctx, download.Request{
		URLs:                 urls,
		FileNames:            fileNames,
		Headers:              headers,
		RefreshTokenCallback: p.getAccessToken,
	}, outputDir, progress, cancel)
}
