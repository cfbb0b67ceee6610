// Copyright 2025 James Ross
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrCancelled is returned (and wraps, via errors.Is) whenever a batch
// is aborted because CancelChecker reported true, either between files
// or mid-stream.
var ErrCancelled = errors.New("download: batch cancelled")

// ProgressFunc reports a chunk write for fileName: chunkLen is the size
// of the just-written chunk (0 for the trailing heartbeat), downloaded
// and total are cumulative/known-total byte counts (total -1 if unknown).
type ProgressFunc func(fileName string, chunkLen int, downloaded, total int64)

// CancelChecker reports whether the owning job has been asked to stop.
type CancelChecker func() bool

// RefreshTokenFunc re-authenticates and returns a new bearer token, used
// when a provider responds 401 mid-batch.
type RefreshTokenFunc func(ctx context.Context) (string, error)

// Request is one batch of same-provider downloads. MaxConcurrent, when
// > 0, overrides the manager's default fan-out for this batch — the
// orchestrator sets it to the submitting job's provider concurrency
// limit so one job never outruns that provider's configured quota.
type Request struct {
	URLs                 []string
	FileNames            []string
	Headers              map[string]string
	RefreshTokenCallback RefreshTokenFunc
	MaxConcurrent        int
}

// Manager is the concurrent, retrying HTTP downloader shared by every
// provider adapter. One Manager instance is reused across jobs; the
// orchestrator builds one per provider so each carries that provider's
// configured concurrency quota.
type Manager struct {
	cfg           config.Download
	client        *http.Client
	maxConcurrent int
	searchLimiter *rate.Limiter
}

func NewManager(cfg config.Download) *Manager {
	return NewManagerWithConcurrency(cfg, 0)
}

// NewManagerWithConcurrency is like NewManager but fixes the default
// fan-out for every batch this instance downloads, overridable per
// call via Request.MaxConcurrent.
func NewManagerWithConcurrency(cfg config.Download, maxConcurrent int) *Manager {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 20 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 8,
	}
	var limiter *rate.Limiter
	if cfg.SearchRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SearchRateLimit), 1)
	}
	return &Manager{
		cfg:           cfg,
		client:        &http.Client{Transport: transport},
		maxConcurrent: maxConcurrent,
		searchLimiter: limiter,
	}
}

// WaitForSearch blocks until a provider's catalogue search is allowed to
// proceed under download.search_rate_limit_per_sec. A non-positive
// configured rate disables limiting entirely (WaitForSearch is then a
// no-op), which is what every provider constructed with a zero-value
// config.Download — as in most tests — gets.
func (m *Manager) WaitForSearch(ctx context.Context) error {
	if m.searchLimiter == nil {
		return nil
	}
	return m.searchLimiter.Wait(ctx)
}

// DownloadProducts fetches every URL in req concurrently (bounded by
// executor.max_concurrent_jobs-independent download concurrency),
// retrying transient failures with exponential backoff. It returns the
// file paths of everything that succeeded. If every file failed, it
// returns an error; a partial success (some files failed, at least one
// succeeded) returns those paths with no error, matching the source's
// "best effort batch" semantics.
func (m *Manager) DownloadProducts(ctx context.Context, req Request, outputDir string, progress ProgressFunc, cancel CancelChecker) ([]string, error) {
	if len(req.URLs) == 0 || len(req.URLs) != len(req.FileNames) {
		return nil, fmt.Errorf("download: urls/file_names mismatch (%d vs %d)", len(req.URLs), len(req.FileNames))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := req.MaxConcurrent
	if limit <= 0 {
		limit = m.maxConcurrent
	}
	g.SetLimit(maxInt(1, concurrencyLimit(m.cfg, limit)))

	paths := make([]string, len(req.URLs))
	errs := make([]error, len(req.URLs))

	for i := range req.URLs {
		i := i
		headers := make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		g.Go(func() error {
			path, err := m.downloadWithRetry(gctx, req.URLs[i], req.FileNames[i], outputDir, headers, req.RefreshTokenCallback, progress, cancel)
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					return err
				}
				errs[i] = err
				return nil
			}
			paths[i] = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	failures := 0
	for i, p := range paths {
		if p != "" {
			out = append(out, p)
			continue
		}
		if errs[i] != nil {
			failures++
		}
	}
	if failures > 0 && len(out) == 0 {
		return nil, fmt.Errorf("download: all %d downloads failed: %w", failures, errs[firstError(errs)])
	}
	return out, nil
}

func concurrencyLimit(cfg config.Download, requested int) int {
	// download.max_retries governs retry count, not fan-out. Fan-out
	// defaults to a generous cap protecting file handles, unless the
	// caller requests a tighter per-provider quota.
	_ = cfg
	if requested > 0 {
		return requested
	}
	return 8
}

func firstError(errs []error) int {
	for i, e := range errs {
		if e != nil {
			return i
		}
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (m *Manager) downloadWithRetry(ctx context.Context, url, fileName, outputDir string, headers map[string]string, refresh RefreshTokenFunc, progress ProgressFunc, cancel CancelChecker) (string, error) {
	delay := m.cfg.BackoffBase
	maxRetries := m.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if cancel != nil && cancel() {
			return "", ErrCancelled
		}

		path, status, err := m.downloadOnce(ctx, url, fileName, outputDir, headers, progress, cancel)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, ErrCancelled) {
			return "", err
		}
		lastErr = err

		if status == http.StatusUnauthorized && refresh != nil {
			token, rerr := refresh(ctx)
			if rerr == nil {
				headers["Authorization"] = "Bearer " + token
				continue
			}
			lastErr = rerr
			break
		}
		if retryableStatus(status) && attempt < maxRetries {
			if err := sleepOrCancel(ctx, delay); err != nil {
				return "", err
			}
			delay = nextBackoff(delay, m.cfg.BackoffMax, m.cfg.BackoffFactor)
			continue
		}
		if status == 0 && attempt < maxRetries {
			// network-level error (no HTTP status): retry same as 5xx.
			if err := sleepOrCancel(ctx, delay); err != nil {
				return "", err
			}
			delay = nextBackoff(delay, m.cfg.BackoffMax, m.cfg.BackoffFactor)
			continue
		}
		break
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("download: unknown failure for %s", fileName)
	}
	return "", lastErr
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func nextBackoff(cur, max time.Duration, factor float64) time.Duration {
	if factor <= 1 {
		factor = 1.7
	}
	next := time.Duration(float64(cur) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// downloadOnce performs a single HTTP GET and streams the body to disk,
// returning the HTTP status observed (0 if the request never reached the
// server) so the retry loop can classify the failure.
func (m *Manager) downloadOnce(ctx context.Context, url, fileName, outputDir string, headers map[string]string, progress ProgressFunc, cancel CancelChecker) (string, int, error) {
	// ReadTimeout is an idle limit: the timer is re-armed after every
	// chunk, so only a request that stops delivering data is cut off.
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	var idle *time.Timer
	if m.cfg.ReadTimeout > 0 {
		idle = time.AfterFunc(m.cfg.ReadTimeout, cancelReq)
		defer idle.Stop()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", resp.StatusCode, fmt.Errorf("download: %s returned HTTP %d", url, resp.StatusCode)
	}

	filePath := filepath.Join(outputDir, fileName)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", resp.StatusCode, err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return "", resp.StatusCode, err
	}
	defer f.Close()

	total := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
			total = n
		}
	}

	chunkSize := m.cfg.ChunkSize
	if chunkSize < 64*1024 {
		chunkSize = 64 * 1024
	}
	buf := make([]byte, chunkSize)
	var downloaded int64

	for {
		if cancel != nil && cancel() {
			return "", resp.StatusCode, ErrCancelled
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.Reset(m.cfg.ReadTimeout)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return "", resp.StatusCode, werr
			}
			downloaded += int64(n)
			if progress != nil {
				progress(fileName, n, downloaded, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", resp.StatusCode, rerr
		}
	}
	if progress != nil {
		progress(fileName, 0, downloaded, total)
	}
	return filePath, resp.StatusCode, nil
}
