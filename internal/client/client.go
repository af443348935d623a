// Package client is a read-only Moltbook API client. Every request goes
// through the reverse proxy as {proxy}/proxy/{host}/api/{version}/{path};
// the monitor never talks to the upstream directly.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"moltmonitor/internal/backoff"
	"moltmonitor/internal/models"
	"moltmonitor/internal/ratelimit"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Page size caps of the posts and comments endpoints.
const (
	MaxPostLimit    = 25
	MaxCommentLimit = 100
)

const (
	maxBodyBytes    = 4 << 20
	maxErrorSnippet = 200
)

// UpstreamObserver receives the rate-limit state reported with every response.
type UpstreamObserver interface {
	UpdateFromUpstream(info ratelimit.Info)
}

// Config addresses the proxy and identifies the monitor.
type Config struct {
	ProxyURL       string
	ProxyHealthURL string
	APIHost        string
	APIVersion     string
	UserAgent      string
	Timeout        time.Duration
	PageSize       int
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(uc models.UpstreamConfig) Config {
	return Config(uc)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithObserver forwards parsed rate-limit headers to o.
func WithObserver(o UpstreamObserver) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithClock substitutes the time source used to resolve relative headers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client performs GET requests against the Moltbook API. It is safe for
// concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	observer UpstreamObserver
	now      func() time.Time

	mu       sync.Mutex
	lastInfo ratelimit.Info
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPostLimit {
		cfg.PageSize = MaxPostLimit
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		now:      time.Now,
		lastInfo: ratelimit.EmptyInfo(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL builds the proxied URL for an API path.
func (c *Client) URL(path string) string {
	return fmt.Sprintf("%s/proxy/%s/api/%s/%s",
		strings.TrimRight(c.cfg.ProxyURL, "/"), c.cfg.APIHost, c.cfg.APIVersion, strings.TrimLeft(path, "/"))
}

// EndpointPath is the API path an endpoint category reads from.
func EndpointPath(endpoint string) string {
	switch endpoint {
	case models.EndpointSubmolts:
		return "submolts"
	case models.EndpointAgents:
		return "agents/profile"
	default:
		return "posts"
	}
}

// PublicURL is the upstream URL an endpoint category reads from, as the
// upstream's robots policy sees it.
func (c *Client) PublicURL(endpoint string) string {
	return fmt.Sprintf("https://%s/api/%s/%s", c.cfg.APIHost, c.cfg.APIVersion, EndpointPath(endpoint))
}

// LastRateLimit returns the rate-limit state of the most recent response.
func (c *Client) LastRateLimit() ratelimit.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastInfo
}

// get performs one GET and returns the body of a 200 response. Any other
// outcome is a *backoff.RequestError.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	target := c.URL(path)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backoff.NewTransportError(path, err)
	}
	defer resp.Body.Close()

	now := c.now()
	info := ratelimit.ParseHeaders(resp.Header, now)
	if ra, ok := backoff.ParseRetryAfter(resp.Header.Get(ratelimit.HeaderRetryAfter), now); ok {
		info.RetryAfter = ra
	}
	c.mu.Lock()
	c.lastInfo = info
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.UpdateFromUpstream(info)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, backoff.NewTransportError(path, err)
	}

	if resp.StatusCode != http.StatusOK {
		reqErr := backoff.NewStatusError(path, resp.StatusCode, info.RetryAfter)
		reqErr.Err = errors.New(errorMessage(body, resp.StatusCode))
		return nil, reqErr
	}
	return body, nil
}

// errorMessage extracts "error" or "message" from a JSON error body, falling
// back to the start of the raw body.
func errorMessage(body []byte, status int) string {
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > maxErrorSnippet {
			text = text[:maxErrorSnippet]
		}
		return text
	}
	return fmt.Sprintf("API returned status %d", status)
}

// Posts fetches one page of posts. limit is capped at MaxPostLimit; zero
// uses the configured page size. after is the id of the post to page past.
func (c *Client) Posts(ctx context.Context, sort string, limit int, after string) ([]models.Post, error) {
	if sort == "" {
		sort = models.PostSortNew
	}
	params := url.Values{}
	params.Set("sort", sort)
	params.Set("limit", strconv.Itoa(c.postLimit(limit)))
	if after != "" {
		params.Set("after", after)
	}

	body, err := c.get(ctx, "posts", params)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Post](body, "posts")
}

func (c *Client) postLimit(limit int) int {
	if limit <= 0 {
		return c.cfg.PageSize
	}
	return min(limit, MaxPostLimit)
}

// Post fetches a single post.
func (c *Client) Post(ctx context.Context, id string) (models.Post, error) {
	body, err := c.get(ctx, "posts/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Post{}, err
	}
	return decodeObject[models.Post](body, "id", "post")
}

// Comments fetches the comments of a post. limit is capped at MaxCommentLimit.
func (c *Client) Comments(ctx context.Context, postID, sort string, limit int) ([]models.Comment, error) {
	if sort == "" {
		sort = models.CommentSortTop
	}
	if limit <= 0 {
		limit = c.cfg.PageSize
	}
	params := url.Values{}
	params.Set("sort", sort)
	params.Set("limit", strconv.Itoa(min(limit, MaxCommentLimit)))

	body, err := c.get(ctx, "posts/"+url.PathEscape(postID)+"/comments", params)
	if err != nil {
		return nil, err
	}
	comments, err := decodeList[models.Comment](body, "comments")
	if err != nil {
		return nil, err
	}
	for i := range comments {
		if comments[i].PostID == "" {
			comments[i].PostID = postID
		}
	}
	return comments, nil
}

// Submolts fetches every community.
func (c *Client) Submolts(ctx context.Context) ([]models.Submolt, error) {
	body, err := c.get(ctx, "submolts", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Submolt](body, "submolts")
}

// Submolt fetches one community by name.
func (c *Client) Submolt(ctx context.Context, name string) (models.Submolt, error) {
	body, err := c.get(ctx, "submolts/"+url.PathEscape(name), nil)
	if err != nil {
		return models.Submolt{}, err
	}
	return decodeObject[models.Submolt](body, "name", "submolt")
}

// Agent fetches an agent's profile by name.
func (c *Client) Agent(ctx context.Context, name string) (models.Agent, error) {
	params := url.Values{}
	params.Set("name", name)
	body, err := c.get(ctx, "agents/profile", params)
	if err != nil {
		return models.Agent{}, err
	}
	return decodeObject[models.Agent](body, "name", "agent")
}

// Search fetches posts matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]models.Post, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(c.postLimit(limit)))
	body, err := c.get(ctx, "search", params)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Post](body, "posts", "results")
}

// CheckProxy probes the proxy's health endpoint and returns its latency.
func (c *Client) CheckProxy(ctx context.Context) (time.Duration, error) {
	if c.cfg.ProxyHealthURL == "" {
		return 0, errors.New("proxy health url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProxyHealthURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("proxy unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorSnippet))
	latency := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return latency, fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}
	return latency, nil
}

// decodeList accepts a bare JSON array or an object holding the array under
// one of keys or "data". Elements that fail to decode are skipped.
func decodeList[T any](body []byte, keys ...string) ([]T, error) {
	raw, err := listElements(body, keys)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, elem := range raw {
		var v T
		if err := json.Unmarshal(elem, &v); err != nil {
			slog.Debug("Skipping malformed item", "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func listElements(body []byte, keys []string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	for _, key := range append(keys, "data") {
		if v, ok := obj[key]; ok {
			if err := json.Unmarshal(v, &list); err != nil {
				return nil, fmt.Errorf("failed to decode %q: %w", key, err)
			}
			return list, nil
		}
	}
	return []json.RawMessage{}, nil
}

// decodeObject accepts the object itself, recognised by idKey, or the object
// wrapped under wrapper or "data".
func decodeObject[T any](body []byte, idKey, wrapper string) (T, error) {
	var zero T
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return zero, fmt.Errorf("failed to decode response: %w", err)
	}
	data := body
	if _, ok := obj[idKey]; !ok {
		if v, ok := obj[wrapper]; ok {
			data = v
		} else if v, ok := obj["data"]; ok {
			data = v
		}
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("failed to decode response: %w", err)
	}
	return v, nil
}
