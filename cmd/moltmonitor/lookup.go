package main

import (
	"context"
	"fmt"
	"io"
	"moltmonitor/internal/client"
	"moltmonitor/internal/config"
	"moltmonitor/internal/models"
	"moltmonitor/internal/ratelimit"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// lookupClient is the part of the upstream client the lookup commands use.
type lookupClient interface {
	Post(ctx context.Context, id string) (models.Post, error)
	Submolt(ctx context.Context, name string) (models.Submolt, error)
	Search(ctx context.Context, query string, limit int) ([]models.Post, error)
	LastRateLimit() ratelimit.Info
}

func newLookupCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Fetch single items from the upstream API through the proxy",
		Long:  "One-off reads for inspecting content. Each subcommand issues exactly one upstream request.",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")

	withClient := func(fn func(ctx context.Context, c lookupClient, w io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return fn(ctx, client.New(client.ConfigFrom(cfg.Upstream)), cmd.OutOrStdout(), args)
		}
	}

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search posts",
		Args:  cobra.MinimumNArgs(1),
		RunE: withClient(func(ctx context.Context, c lookupClient, w io.Writer, args []string) error {
			return lookupSearch(ctx, c, w, strings.Join(args, " "), limit)
		}),
	}
	search.Flags().IntVar(&limit, "limit", client.MaxPostLimit, "Maximum results")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "post <id>",
			Short: "Show one post",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, c lookupClient, w io.Writer, args []string) error {
				return lookupPost(ctx, c, w, args[0])
			}),
		},
		&cobra.Command{
			Use:   "submolt <name>",
			Short: "Show one community",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, c lookupClient, w io.Writer, args []string) error {
				return lookupSubmolt(ctx, c, w, args[0])
			}),
		},
		search,
	)
	return cmd
}

func lookupPost(ctx context.Context, c lookupClient, w io.Writer, id string) error {
	post, err := c.Post(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch post %s: %w", id, err)
	}
	renderPosts(w, []models.Post{post})
	if post.Content != "" {
		fmt.Fprintf(w, "\n%s\n", post.Content)
	}
	renderRateLimit(w, c.LastRateLimit())
	return nil
}

func lookupSubmolt(ctx context.Context, c lookupClient, w io.Writer, name string) error {
	sub, err := c.Submolt(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to fetch submolt %s: %w", name, err)
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Display Name", "Subscribers", "Created"})
	t.AppendRow(table.Row{sub.Name, sub.DisplayName, sub.SubscriberCount, formatTime(&sub.CreatedAt)})
	t.Render()
	if sub.Description != "" {
		fmt.Fprintf(w, "\n%s\n", sub.Description)
	}
	renderRateLimit(w, c.LastRateLimit())
	return nil
}

func lookupSearch(ctx context.Context, c lookupClient, w io.Writer, query string, limit int) error {
	posts, err := c.Search(ctx, query, limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(posts) == 0 {
		fmt.Fprintf(w, "no posts match %q\n", query)
	} else {
		renderPosts(w, posts)
	}
	renderRateLimit(w, c.LastRateLimit())
	return nil
}

func renderPosts(w io.Writer, posts []models.Post) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Submolt", "Title", "Score", "Comments", "Created"})
	for _, p := range posts {
		t.AppendRow(table.Row{p.ID, p.Submolt, p.Title, p.Score, p.CommentCount, formatTime(&p.CreatedAt)})
	}
	t.AppendFooter(table.Row{"", "", "posts", len(posts)})
	t.Render()
}

// renderRateLimit prints the upstream quota reported by the last response,
// if it reported one.
func renderRateLimit(w io.Writer, info ratelimit.Info) {
	if info.Remaining == ratelimit.Unset {
		return
	}
	if info.Limit == ratelimit.Unset {
		fmt.Fprintf(w, "upstream rate limit: %d remaining\n", info.Remaining)
		return
	}
	fmt.Fprintf(w, "upstream rate limit: %d of %d remaining\n", info.Remaining, info.Limit)
}
