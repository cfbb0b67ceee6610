// Copyright 2025 James Ross
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/paulmach/orb/geojson"
)

// UsgsProvider adapts the USGS Machine-to-Machine (M2M) API, grounded on
// the source's UsgsProvider: a login-token exchange, a scene-search
// call, then a two-step download-options/download-request dance before
// the actual file URLs are known.
type UsgsProvider struct {
	cfg     config.UsgsProvider
	manager *download.Manager
	client  *http.Client

	mu      sync.Mutex
	apiKey  string
	dataset string
}

func NewUsgsProvider(cfg config.UsgsProvider, manager *download.Manager) (*UsgsProvider, error) {
	if cfg.Username == "" || cfg.Token == "" {
		return nil, fmt.Errorf("usgs: credentials are missing")
	}
	return &UsgsProvider{cfg: cfg, manager: manager, client: &http.Client{Timeout: 60 * time.Second}}, nil
}

func (p *UsgsProvider) Name() string { return "usgs" }

func (p *UsgsProvider) sendRequest(ctx context.Context, endpoint string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	reqURL := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.mu.Lock()
	apiKey := p.apiKey
	p.mu.Unlock()
	if apiKey != "" {
		req.Header.Set("X-Auth-Token", apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("usgs: %s returned HTTP %d", endpoint, resp.StatusCode)
	}

	var envelope struct {
		Data         json.RawMessage `json:"data"`
		ErrorCode    string          `json:"errorCode"`
		ErrorMessage string          `json:"errorMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("usgs: decode %s response: %w", endpoint, err)
	}
	if envelope.ErrorCode != "" {
		return nil, fmt.Errorf("usgs: API error %s: %s", envelope.ErrorCode, envelope.ErrorMessage)
	}
	return envelope.Data, nil
}

func (p *UsgsProvider) getAccessToken(ctx context.Context) (string, error) {
	data, err := p.sendRequest(ctx, "login-token", map[string]string{
		"username": p.cfg.Username,
		"token":    p.cfg.Token,
	})
	if err != nil {
		return "", err
	}
	var apiKey string
	if err := json.Unmarshal(data, &apiKey); err != nil {
		return "", fmt.Errorf("usgs: login-token did not return a string key: %w", err)
	}
	p.mu.Lock()
	p.apiKey = apiKey
	p.mu.Unlock()
	return apiKey, nil
}

func (p *UsgsProvider) SearchProducts(ctx context.Context, params SearchParams) ([]string, error) {
	if params.AOI == nil {
		return nil, fmt.Errorf("usgs: search requires an AOI polygon")
	}
	if err := p.manager.WaitForSearch(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.dataset = params.Collection
	p.mu.Unlock()

	payload := map[string]interface{}{
		"datasetName": params.Collection,
		"sceneFilter": map[string]interface{}{
			"spatialFilter": map[string]interface{}{
				"filterType": "geojson",
				"geoJson":    geojson.NewGeometry(params.AOI),
			},
			"acquisitionFilter": map[string]interface{}{
				"start": params.StartDate,
				"end":   params.EndDate,
			},
		},
		"maxResults": 1000,
	}
	data, err := p.sendRequest(ctx, "scene-search", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		Results []struct {
			EntityID  string `json:"entityId"`
			DisplayID string `json:"displayId"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("usgs: decode scene-search results: %w", err)
	}

	var ids []string
	for _, scene := range result.Results {
		if scene.EntityID == "" {
			continue
		}
		if params.ProductType != "" && !strings.Contains(scene.DisplayID, params.ProductType) {
			continue
		}
		ids = append(ids, scene.EntityID)
	}
	return ids, nil
}

func (p *UsgsProvider) DownloadProducts(ctx context.Context, productIDs []string, outputDir string, progress download.ProgressFunc, cancel download.CancelChecker) ([]string, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	dataset := p.dataset
	p.mu.Unlock()
	if dataset == "" {
		return nil, fmt.Errorf("usgs: dataset is not set; call SearchProducts first")
	}

	optionsData, err := p.sendRequest(ctx, "download-options", map[string]interface{}{
		"datasetName": dataset,
		"entityIds":   strings.Join(productIDs, ","),
	})
	if err != nil {
		return nil, err
	}
	var options []struct {
		Available   bool   `json:"available"`
		ProductName string `json:"productName"`
		EntityID    string `json:"entityId"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(optionsData, &options); err != nil {
		return nil, fmt.Errorf("usgs: decode download-options: %w", err)
	}

	type downloadItem struct {
		EntityID  string `json:"entityId"`
		ProductID string `json:"productId"`
	}
	var downloads []downloadItem
	for _, opt := range options {
		if !opt.Available || !strings.Contains(opt.ProductName, "Bundle") {
			continue
		}
		if opt.EntityID != "" && opt.ID != "" {
			downloads = append(downloads, downloadItem{EntityID: opt.EntityID, ProductID: opt.ID})
		}
	}
	if len(downloads) == 0 {
		return nil, nil
	}

	requestData, err := p.sendRequest(ctx, "download-request", map[string]interface{}{
		"downloads": downloads,
		"label":     "fetch-engine-download",
	})
	if err != nil {
		return nil, err
	}
	var requestResult struct {
		AvailableDownloads []struct {
			URL string `json:"url"`
		} `json:"availableDownloads"`
	}
	if err := json.Unmarshal(requestData, &requestResult); err != nil {
		return nil, fmt.Errorf("usgs: decode download-request: %w", err)
	}

	var urls, fileNames []string
	for idx, item := range requestResult.AvailableDownloads {
		if item.URL == "" {
			continue
		}
		urls = append(urls, item.URL)
		fileNames = append(fileNames, fileNameFromURL(item.URL, dataset, idx))
	}
	if len(urls) == 0 {
		return nil, nil
	}

	return p.manager.DownloadProducts(ctx, download.Request{
		URLs:                 urls,
		FileNames:            fileNames,
		RefreshTokenCallback: p.getAccessToken,
	}, outputDir, progress, cancel)
}

func fileNameFromURL(rawURL, dataset string, idx int) string {
	parsed, err := url.Parse(rawURL)
	if err == nil {
		if unescaped, uerr := url.QueryUnescape(parsed.Path); uerr == nil {
			name := path.Base(unescaped)
			if name != "" && name != "." && strings.Contains(name, ".") {
				return name
			}
		}
	}
	return fmt.Sprintf("usgs_%s_%d.zip", dataset, idx)
}
