// Package crawler implements the scheduler's poll callback: it fetches one
// endpoint category through the client, drops items already seen, persists
// the deduplication records and hands fresh items to a handler.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"moltmonitor/internal/dedup"
	"moltmonitor/internal/models"
	"moltmonitor/internal/scheduler"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher is the subset of the API client the crawler reads through.
type Fetcher interface {
	Posts(ctx context.Context, sort string, limit int, after string) ([]models.Post, error)
	Comments(ctx context.Context, postID, sort string, limit int) ([]models.Comment, error)
	Submolts(ctx context.Context) ([]models.Submolt, error)
	Agent(ctx context.Context, name string) (models.Agent, error)
}

// SeenStore persists deduplication records.
type SeenStore interface {
	SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error
}

// Batch holds the fresh items of one poll. Only the slice matching the
// endpoint category is populated.
type Batch struct {
	Endpoint string
	Posts    []models.Post
	Comments []models.Comment
	Submolts []models.Submolt
	Agents   []models.Agent
}

// Len is the number of items in the batch.
func (b Batch) Len() int {
	return len(b.Posts) + len(b.Comments) + len(b.Submolts) + len(b.Agents)
}

// Handler receives the fresh items of every successful poll.
type Handler func(ctx context.Context, b Batch)

// Config bounds how much one poll reads.
type Config struct {
	PageSize     int // posts per page, also the full-page test when paging
	MaxPages     int // pages of new posts followed back to the cursor
	CommentLimit int
	CommentSort  string
}

// DefaultConfig reads up to three full pages of new posts.
func DefaultConfig() Config {
	return Config{
		PageSize:     25,
		MaxPages:     3,
		CommentLimit: 100,
		CommentSort:  models.CommentSortNew,
	}
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithSeenStore persists dedup records after each poll.
func WithSeenStore(s SeenStore) Option {
	return func(c *Crawler) {
		c.store = s
	}
}

// WithHandler replaces the default handler, which logs batch sizes.
func WithHandler(h Handler) Option {
	return func(c *Crawler) {
		c.handle = h
	}
}

// Crawler turns scheduler requests into API reads.
type Crawler struct {
	cfg    Config
	fetch  Fetcher
	seen   *dedup.Tracker
	store  SeenStore
	handle Handler

	tracer   trace.Tracer
	items    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Crawler.
func New(cfg Config, fetch Fetcher, seen *dedup.Tracker, opts ...Option) (*Crawler, error) {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.CommentLimit <= 0 {
		cfg.CommentLimit = def.CommentLimit
	}
	if cfg.CommentSort == "" {
		cfg.CommentSort = def.CommentSort
	}

	meter := otel.Meter("moltmonitor/crawler")
	items, err := meter.Int64Counter(
		"crawler.items",
		metric.WithDescription("Number of items fetched by endpoint and freshness"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"crawler.poll.duration",
		metric.WithDescription("Duration of polls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c := &Crawler{
		cfg:      cfg,
		fetch:    fetch,
		seen:     seen,
		handle:   logBatch,
		tracer:   otel.Tracer("moltmonitor/crawler"),
		items:    items,
		duration: duration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func logBatch(_ context.Context, b Batch) {
	if b.Len() == 0 {
		return
	}
	slog.Info("New items", "endpoint", b.Endpoint, "count", b.Len())
}

var postSorts = map[string]string{
	models.EndpointNewPosts:    models.PostSortNew,
	models.EndpointHotPosts:    models.PostSortHot,
	models.EndpointTopPosts:    models.PostSortTop,
	models.EndpointRisingPosts: models.PostSortRising,
}

// Poll performs one poll. It satisfies scheduler.PollFunc.
func (c *Crawler) Poll(ctx context.Context, req scheduler.Request) (scheduler.Result, error) {
	ctx, span := c.tracer.Start(ctx, "crawler.poll", trace.WithAttributes(
		attribute.String("endpoint", req.Endpoint),
		attribute.String("target", req.Target),
	))
	defer span.End()
	start := time.Now()

	var (
		res   scheduler.Result
		batch Batch
		err   error
	)
	switch req.Endpoint {
	case models.EndpointNewPosts:
		res, batch, err = c.pollNewPosts(ctx, req)
	case models.EndpointHotPosts, models.EndpointTopPosts, models.EndpointRisingPosts:
		res, batch, err = c.pollRankedPosts(ctx, req)
	case models.EndpointSubmolts:
		res, batch, err = c.pollSubmolts(ctx, req)
	case models.EndpointComments:
		res, batch, err = c.pollComments(ctx, req)
	case models.EndpointAgents:
		res, batch, err = c.pollAgent(ctx, req)
	default:
		err = fmt.Errorf("%w: %s", scheduler.ErrUnknownEndpoint, req.Endpoint)
	}

	attrs := metric.WithAttributes(attribute.String("endpoint", req.Endpoint))
	c.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return scheduler.Result{}, err
	}

	c.items.Add(ctx, int64(res.NewItems), metric.WithAttributes(
		attribute.String("endpoint", req.Endpoint), attribute.String("freshness", "new")))
	c.items.Add(ctx, int64(res.Items-res.NewItems), metric.WithAttributes(
		attribute.String("endpoint", req.Endpoint), attribute.String("freshness", "duplicate")))
	span.SetAttributes(attribute.Int("items", res.Items), attribute.Int("new_items", res.NewItems))
	span.SetStatus(codes.Ok, "")

	if batch.Len() > 0 {
		c.handle(ctx, batch)
	}
	return res, nil
}

// pollNewPosts reads newest-first and follows pages back until it reaches
// the cursor, the newest id of the previous poll. Without a cursor only the
// first page is read.
func (c *Crawler) pollNewPosts(ctx context.Context, req scheduler.Request) (scheduler.Result, Batch, error) {
	var (
		collected []models.Post
		after     string
		newest    string
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		posts, err := c.fetch.Posts(ctx, models.PostSortNew, c.cfg.PageSize, after)
		if err != nil {
			return scheduler.Result{}, Batch{}, err
		}
		if page == 0 && len(posts) > 0 {
			newest = posts[0].ID
		}

		reached := false
		for i, p := range posts {
			if req.Cursor != "" && p.ID == req.Cursor {
				posts = posts[:i]
				reached = true
				break
			}
		}
		collected = append(collected, posts...)

		if reached || req.Cursor == "" || len(posts) < c.cfg.PageSize {
			break
		}
		after = posts[len(posts)-1].ID
	}

	fresh, err := c.filterPosts(ctx, collected)
	if err != nil {
		return scheduler.Result{}, Batch{}, err
	}
	cursor := req.Cursor
	if newest != "" {
		cursor = newest
	}
	res := scheduler.Result{Items: len(collected), NewItems: len(fresh), Cursor: cursor}
	return res, Batch{Endpoint: req.Endpoint, Posts: fresh}, nil
}

// pollRankedPosts reads one page of a ranked listing. Rankings reorder, so
// there is no cursor to follow.
func (c *Crawler) pollRankedPosts(ctx context.Context, req scheduler.Request) (scheduler.Result, Batch, error) {
	posts, err := c.fetch.Posts(ctx, postSorts[req.Endpoint], c.cfg.PageSize, "")
	if err != nil {
		return scheduler.Result{}, Batch{}, err
	}
	fresh, err := c.filterPosts(ctx, posts)
	if err != nil {
		return scheduler.Result{}, Batch{}, err
	}
	res := scheduler.Result{Items: len(posts), NewItems: len(fresh), Cursor: req.Cursor}
	return res, Batch{Endpoint: req.Endpoint, Posts: fresh}, nil
}

func (c *Crawler) pollSubmolts(ctx context.Context, req scheduler.Request) (scheduler.Result, Batch, error) {
	subs, err := c.fetch.Submolts(ctx)
	if err != nil {
		return scheduler.Result{}, Batch{}, err
	}
	fresh := filter(ctx, c, subs, func(s models.Submolt) dedup.Key {
		return dedup.Key{ID: "submolt:" + s.Name}
	})
	res := scheduler.Result{Items: len(subs), NewItems: len(fresh), Cursor: req.Cursor}
	return res, Batch{Endpoint: req.Endpoint, Submolts: fresh}, nil
}

func (c *Crawler) pollComments(ctx context.Context, req scheduler.Request) (scheduler.Result, Batch, error) {
	if req.Target == "" {
		return scheduler.Result{}, Batch{}, fmt.Errorf("%w: %s", scheduler.ErrMissingTarget, req.Endpoint)
	}
	comments, err := c.fetch.Comments(ctx, req.Target, c.cfg.CommentSort, c.cfg.CommentLimit)
	if err != nil {
		return scheduler.Result{}, Batch{}, err
	}
	fresh := filter(ctx, c, comments, func(cm models.Comment) dedup.Key {
		return dedup.Key{ID: "comment:" + cm.ID, Fingerprint: dedup.Fingerprint(cm.ID, cm.AgentID, cm.Content, cm.PostID)}
	})
	res := scheduler.Result{Items: len(comments), NewItems: len(fresh), Cursor: req.Cursor}
	return res, Batch{Endpoint: req.Endpoint, Comments: fresh}, nil
}

func (c *Crawler) pollAgent(ctx context.Context, req scheduler.Request) (scheduler.Result, Batch, error) {
	if req.Target == "" {
		return scheduler.Result{}, Batch{}, fmt.Errorf("%w: %s", scheduler.ErrMissingTarget, req.Endpoint)
	}
	agent, err := c.fetch.Agent(ctx, req.Target)
	if err != nil {
		return scheduler.Result{}, Batch{}, err
	}
	fresh := filter(ctx, c, []models.Agent{agent}, func(a models.Agent) dedup.Key {
		return dedup.Key{ID: "agent:" + a.ID}
	})
	res := scheduler.Result{Items: 1, NewItems: len(fresh), Cursor: req.Cursor}
	return res, Batch{Endpoint: req.Endpoint, Agents: fresh}, nil
}

// PostKey identifies a post for deduplication.
func PostKey(p models.Post) dedup.Key {
	return dedup.Key{ID: "post:" + p.ID, Fingerprint: dedup.Fingerprint(p.ID, p.AgentID, p.Title, p.Submolt)}
}

func (c *Crawler) filterPosts(ctx context.Context, posts []models.Post) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return filter(ctx, c, posts, PostKey), nil
}

// filter drops items already seen, refreshes the records of repeats and
// persists every touched record. Persistence failures are logged; they do
// not fail the poll.
func filter[T any](ctx context.Context, c *Crawler, items []T, key func(T) dedup.Key) []T {
	fresh, _ := dedup.FilterNew(c.seen, items, key, true)

	freshIDs := make(map[string]struct{}, len(fresh))
	for _, item := range fresh {
		freshIDs[key(item).ID] = struct{}{}
	}

	records := make([]models.SeenItemRecord, 0, len(items))
	touched := make(map[string]struct{}, len(items))
	for _, item := range items {
		k := key(item)
		if _, dup := touched[k.ID]; dup {
			continue
		}
		touched[k.ID] = struct{}{}

		if _, isFresh := freshIDs[k.ID]; isFresh {
			if rec, ok := c.seen.Get(k.ID); ok {
				records = append(records, rec)
			}
			continue
		}
		records = append(records, c.seen.MarkSeen(k.ID, k.Fingerprint))
	}

	if c.store != nil && len(records) > 0 {
		if err := c.store.SaveSeenItems(ctx, records); err != nil {
			slog.Warn("Failed to persist seen items", "count", len(records), "error", err)
		}
	}
	return fresh
}
