// Package enrich provides the per-alert auxiliary enrichers. The URL
// existence checker probes reconstructed target URLs so responders can
// tell which probed paths actually resolve.
package enrich

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// CheckResult is the outcome of one existence probe. Exists is nil when
// the probe could not decide (timeout, disallowed host, odd status).
type CheckResult struct {
	Exists    *bool  `json:"exists"`
	Status    int    `json:"status,omitempty"`
	Note      string `json:"note,omitempty"`
	CheckedAt int64  `json:"checked_at"`
}

// URLChecker probes URLs with HEAD (falling back to GET where HEAD is
// rejected), never follows redirects, and caches results with a TTL.
// Only allowlisted hosts are probed, which keeps the checker from being
// turned into an SSRF primitive.
type URLChecker struct {
	allowedHosts map[string]bool
	ttl          time.Duration
	maxCache     int
	client       *http.Client

	mu    sync.Mutex
	cache map[string]CheckResult
}

// NewURLChecker builds a checker for the given allowlisted hosts.
func NewURLChecker(allowedHosts []string, ttl time.Duration, maxCache int, timeout time.Duration) *URLChecker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxCache <= 0 {
		maxCache = 2048
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return &URLChecker{
		allowedHosts: allowed,
		ttl:          ttl,
		maxCache:     maxCache,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cache: make(map[string]CheckResult),
	}
}

// Check probes target and reports whether it exists. Results are cached
// per URL for the configured TTL.
func (c *URLChecker) Check(ctx context.Context, target string) CheckResult {
	now := time.Now().Unix()

	if !c.allowed(target) {
		return CheckResult{Note: "invalid_host", CheckedAt: now}
	}

	c.mu.Lock()
	if cached, ok := c.cache[target]; ok && now-cached.CheckedAt <= int64(c.ttl.Seconds()) {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	result := c.probe(ctx, target, now)

	c.mu.Lock()
	c.cache[target] = result
	c.pruneLocked()
	c.mu.Unlock()

	return result
}

func (c *URLChecker) allowed(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return c.allowedHosts[strings.ToLower(u.Hostname())]
}

func (c *URLChecker) probe(ctx context.Context, target string, now int64) CheckResult {
	status, err := c.request(ctx, http.MethodHead, target)
	if err == nil && (status == http.StatusBadRequest || status == http.StatusMethodNotAllowed) {
		// Some servers reject HEAD; retry once with GET.
		status, err = c.request(ctx, http.MethodGet, target)
	}
	if err != nil {
		return CheckResult{Note: "timeout_or_error", CheckedAt: now}
	}

	yes, no := true, false
	switch {
	case status == 200 || status == 301 || status == 302 || status == 401 || status == 403:
		// 401/403 mean the path exists but is guarded.
		return CheckResult{Exists: &yes, Status: status, CheckedAt: now}
	case status == 404:
		return CheckResult{Exists: &no, Status: status, CheckedAt: now}
	case status >= 500 && status <= 599:
		return CheckResult{Exists: &yes, Status: status, Note: "abnormal", CheckedAt: now}
	default:
		return CheckResult{Status: status, Note: "unknown_status", CheckedAt: now}
	}
}

func (c *URLChecker) request(ctx context.Context, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// pruneLocked drops the oldest entries once the cache exceeds its bound.
// Caller holds mu.
func (c *URLChecker) pruneLocked() {
	if len(c.cache) <= c.maxCache {
		return
	}
	type aged struct {
		url string
		at  int64
	}
	entries := make([]aged, 0, len(c.cache))
	for u, r := range c.cache {
		entries = append(entries, aged{u, r.CheckedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	for _, e := range entries[:len(entries)-c.maxCache] {
		delete(c.cache, e.url)
	}
}
