package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"moltmonitor/internal/models"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFetchTimeout bounds a single robots.txt request.
	DefaultFetchTimeout = 10 * time.Second

	maxBodyBytes = 512 * 1024
)

// Config controls where policies are fetched from and how long they are kept.
type Config struct {
	ProxyURL             string
	UserAgent            string
	CacheDuration        time.Duration
	FailureCacheDuration time.Duration
}

// ConfigFrom combines the robots and upstream configuration sections.
func ConfigFrom(rc models.RobotsConfig, uc models.UpstreamConfig) Config {
	ua := rc.UserAgent
	if ua == "" {
		ua = uc.UserAgent
	}
	return Config{
		ProxyURL:             uc.ProxyURL,
		UserAgent:            ua,
		CacheDuration:        rc.CacheDuration,
		FailureCacheDuration: rc.FailureCacheDuration,
	}
}

// entry is the cached policy for one origin.
type entry struct {
	policy    *Policy
	fetchedAt time.Time
	expiresAt time.Time
	status    int
	digest    uint64
	fallback  bool
	err       string
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPClient substitutes the client used to fetch policies.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Checker) {
		ch.client = c
	}
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(ch *Checker) {
		ch.now = now
	}
}

// Checker caches one policy per origin. It never returns an error to the
// caller: unreachable or missing policies degrade to allow-all and are only
// logged. Checker is safe for concurrent use.
type Checker struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]*entry
}

// NewChecker creates a Checker with an empty cache.
func NewChecker(cfg Config, opts ...Option) *Checker {
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = 24 * time.Hour
	}
	if cfg.FailureCacheDuration <= 0 {
		cfg.FailureCacheDuration = 5 * time.Minute
	}
	c := &Checker{
		cfg:    cfg,
		client: &http.Client{Timeout: DefaultFetchTimeout},
		now:    time.Now,
		cache:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Origin returns "scheme://host" for rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// policyURL is where the origin's robots.txt is requested: through the
// proxy as {proxy}/proxy/{host}/robots.txt, or directly without one.
func (c *Checker) policyURL(origin string) string {
	if c.cfg.ProxyURL == "" {
		return origin + "/robots.txt"
	}
	host := origin[strings.Index(origin, "://")+3:]
	return strings.TrimRight(c.cfg.ProxyURL, "/") + "/proxy/" + host + "/robots.txt"
}

// lookup returns the cached policy for origin, fetching it when absent,
// expired or when refresh is set.
func (c *Checker) lookup(ctx context.Context, origin string, refresh bool) *Policy {
	if !refresh {
		c.mu.RLock()
		e, ok := c.cache[origin]
		c.mu.RUnlock()
		if ok && c.now().Before(e.expiresAt) {
			return e.policy
		}
	}

	// The shared fetch outlives any one caller; the client timeout bounds it.
	ch := c.group.DoChan(origin, func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx), origin), nil
	})
	select {
	case res := <-ch:
		return res.Val.(*entry).policy
	case <-ctx.Done():
		slog.Debug("robots.txt lookup abandoned by caller", "origin", origin, "error", ctx.Err())
		return permissive()
	}
}

// fetch retrieves and parses origin's policy and stores it in the cache.
func (c *Checker) fetch(ctx context.Context, origin string) *entry {
	target := c.policyURL(origin)
	now := c.now()
	e := &entry{fetchedAt: now}

	body, status, err := c.get(ctx, target)
	switch {
	case err != nil:
		slog.Warn("Failed to fetch robots.txt, allowing all paths",
			"origin", origin, "url", target, "error", err)
		e.policy, e.fallback, e.err = permissive(), true, err.Error()
		e.expiresAt = now.Add(c.cfg.FailureCacheDuration)
	case status == http.StatusOK:
		e.policy = Parse(body)
		e.digest = xxhash.Sum64String(body)
		e.expiresAt = now.Add(c.cfg.CacheDuration)
	case status == http.StatusNotFound:
		e.policy, e.fallback = permissive(), true
		e.expiresAt = now.Add(c.cfg.CacheDuration)
	default:
		slog.Warn("Unexpected robots.txt status, allowing all paths",
			"origin", origin, "url", target, "status", status)
		e.policy, e.fallback, e.err = permissive(), true, fmt.Sprintf("status %d", status)
		e.expiresAt = now.Add(c.cfg.FailureCacheDuration)
	}
	e.status = status

	c.mu.Lock()
	prev := c.cache[origin]
	c.cache[origin] = e
	c.mu.Unlock()

	if prev != nil && prev.digest != 0 && e.digest != 0 && prev.digest != e.digest {
		slog.Info("robots.txt changed since last fetch", "origin", origin)
	}
	slog.Info("Fetched robots.txt",
		"origin", origin,
		"status", status,
		"groups", len(e.policy.Groups),
		"expires_at", e.expiresAt,
	)
	return e
}

func (c *Checker) get(ctx context.Context, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return "", resp.StatusCode, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(data), resp.StatusCode, nil
}

// IsAllowed reports whether rawURL's path may be crawled by the configured
// user agent. refresh forces a new fetch of the origin's policy. URLs that
// cannot be parsed are allowed.
func (c *Checker) IsAllowed(ctx context.Context, rawURL string, refresh bool) bool {
	origin, err := Origin(rawURL)
	if err != nil {
		slog.Warn("Cannot evaluate robots rules for url", "url", rawURL, "error", err)
		return true
	}
	u, _ := url.Parse(rawURL)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return c.lookup(ctx, origin, refresh).Allowed(c.cfg.UserAgent, path)
}

// CrawlDelay returns the crawl-delay the matching group declares for origin.
func (c *Checker) CrawlDelay(ctx context.Context, origin string) (time.Duration, bool) {
	origin, err := Origin(origin)
	if err != nil {
		return 0, false
	}
	g := c.lookup(ctx, origin, false).Select(c.cfg.UserAgent)
	if g == nil || !g.HasDelay {
		return 0, false
	}
	return g.CrawlDelay, true
}

// Sitemaps returns the distinct sitemap URLs declared by origin, sorted.
func (c *Checker) Sitemaps(ctx context.Context, origin string) []string {
	origin, err := Origin(origin)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range c.lookup(ctx, origin, false).Sitemaps {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ClearCache drops origin's cached policy, or every policy when origin is empty.
func (c *Checker) ClearCache(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if origin == "" {
		clear(c.cache)
		return
	}
	if o, err := Origin(origin); err == nil {
		delete(c.cache, o)
	}
}

// CacheEntryStatus describes one cached policy.
type CacheEntryStatus struct {
	Origin          string    `json:"origin"`
	FetchedAt       time.Time `json:"fetched_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Expired         bool      `json:"is_expired"`
	SecondsToExpiry float64   `json:"time_until_expiry"`
	Groups          int       `json:"directive_count"`
	Status          int       `json:"status,omitempty"`
	Fallback        bool      `json:"fallback"`
	Error           string    `json:"error,omitempty"`
}

// CacheStatus is a read-only snapshot of the policy cache.
type CacheStatus struct {
	CacheDurationHours float64            `json:"cache_duration_hours"`
	Entries            []CacheEntryStatus `json:"entries"`
}

// CacheStatus returns every cached origin sorted by name.
func (c *Checker) CacheStatus() CacheStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	st := CacheStatus{
		CacheDurationHours: c.cfg.CacheDuration.Hours(),
		Entries:            make([]CacheEntryStatus, 0, len(c.cache)),
	}
	for origin, e := range c.cache {
		st.Entries = append(st.Entries, CacheEntryStatus{
			Origin:          origin,
			FetchedAt:       e.fetchedAt,
			ExpiresAt:       e.expiresAt,
			Expired:         !now.Before(e.expiresAt),
			SecondsToExpiry: e.expiresAt.Sub(now).Seconds(),
			Groups:          len(e.policy.Groups),
			Status:          e.status,
			Fallback:        e.fallback,
			Error:           e.err,
		})
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].Origin < st.Entries[j].Origin })
	return st
}
