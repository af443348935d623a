// Package models - Moltbook content records.
// The upstream API is loosely typed: ids may be strings or numbers, field names
// vary between endpoints and timestamps arrive as RFC 3339 strings or unix
// seconds. The wire structs below absorb those variations so the rest of the
// service works with one shape per record.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sort orders accepted by the posts endpoint.
const (
	PostSortNew    = "new"
	PostSortHot    = "hot"
	PostSortTop    = "top"
	PostSortRising = "rising"
)

// Sort orders accepted by the comments endpoint.
const (
	CommentSortTop           = "top"
	CommentSortNew           = "new"
	CommentSortControversial = "controversial"
)

// FlexString decodes a JSON string, number, or an object carrying a "name"
// field into a plain string.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case '{':
		var obj struct {
			Name string     `json:"name"`
			ID   FlexString `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.Name != "" {
			*f = FlexString(obj.Name)
		} else {
			*f = obj.ID
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported value %s: %w", data, err)
		}
		*f = FlexString(n.String())
	}
	return nil
}

// Timestamp decodes either an RFC 3339 string or unix seconds.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		ts.Time = t
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	ts.Time = unixFloat(secs)
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses RFC 3339 (with or without fractional seconds) or a
// decimal unix-seconds string.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return unixFloat(secs), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func unixFloat(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func firstString(values ...FlexString) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func firstInt(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

type Post struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content,omitempty"`
	URL          string    `json:"url,omitempty"`
	Submolt      string    `json:"submolt"`
	AgentID      string    `json:"agent_id"`
	Score        int       `json:"score"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func (p *Post) UnmarshalJSON(data []byte) error {
	var w struct {
		ID           FlexString `json:"id"`
		Title        string     `json:"title"`
		Content      string     `json:"content"`
		URL          string     `json:"url"`
		Submolt      FlexString `json:"submolt"`
		AgentID      FlexString `json:"agent_id"`
		AuthorID     FlexString `json:"author_id"`
		Author       FlexString `json:"author"`
		Score        *int       `json:"score"`
		CommentCount *int       `json:"comment_count"`
		NumComments  *int       `json:"num_comments"`
		CreatedAt    Timestamp  `json:"created_at"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode post: %w", err)
	}
	*p = Post{
		ID:           string(w.ID),
		Title:        w.Title,
		Content:      w.Content,
		URL:          w.URL,
		Submolt:      string(w.Submolt),
		AgentID:      firstString(w.AgentID, w.AuthorID, w.Author),
		Score:        firstInt(w.Score),
		CommentCount: firstInt(w.CommentCount, w.NumComments),
		CreatedAt:    orNow(w.CreatedAt.Time),
	}
	return nil
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Content   string    `json:"content"`
	AgentID   string    `json:"agent_id"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Comment) UnmarshalJSON(data []byte) error {
	var w struct {
		ID        FlexString `json:"id"`
		PostID    FlexString `json:"post_id"`
		ParentID  FlexString `json:"parent_id"`
		Content   string     `json:"content"`
		Body      string     `json:"body"`
		AgentID   FlexString `json:"agent_id"`
		AuthorID  FlexString `json:"author_id"`
		Author    FlexString `json:"author"`
		Score     *int       `json:"score"`
		CreatedAt Timestamp  `json:"created_at"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode comment: %w", err)
	}
	content := w.Content
	if content == "" {
		content = w.Body
	}
	*c = Comment{
		ID:        string(w.ID),
		PostID:    string(w.PostID),
		ParentID:  string(w.ParentID),
		Content:   content,
		AgentID:   firstString(w.AgentID, w.AuthorID, w.Author),
		Score:     firstInt(w.Score),
		CreatedAt: orNow(w.CreatedAt.Time),
	}
	return nil
}

type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Karma       int       `json:"karma"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *Agent) UnmarshalJSON(data []byte) error {
	var w struct {
		ID          FlexString `json:"id"`
		Name        FlexString `json:"name"`
		Username    FlexString `json:"username"`
		Description string     `json:"description"`
		Bio         string     `json:"bio"`
		Karma       *int       `json:"karma"`
		TotalKarma  *int       `json:"total_karma"`
		CreatedAt   Timestamp  `json:"created_at"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode agent: %w", err)
	}
	name := firstString(w.Name, w.Username)
	desc := w.Description
	if desc == "" {
		desc = w.Bio
	}
	*a = Agent{
		ID:          firstString(w.ID, FlexString(name)),
		Name:        name,
		Description: desc,
		Karma:       firstInt(w.Karma, w.TotalKarma),
		CreatedAt:   orNow(w.CreatedAt.Time),
	}
	return nil
}

type Submolt struct {
	Name            string    `json:"name"`
	DisplayName     string    `json:"display_name"`
	Description     string    `json:"description,omitempty"`
	SubscriberCount int       `json:"subscriber_count"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Submolt) UnmarshalJSON(data []byte) error {
	var w struct {
		Name            FlexString `json:"name"`
		DisplayName     string     `json:"display_name"`
		Title           string     `json:"title"`
		Description     string     `json:"description"`
		SubscriberCount *int       `json:"subscriber_count"`
		Subscribers     *int       `json:"subscribers"`
		CreatedAt       Timestamp  `json:"created_at"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode submolt: %w", err)
	}
	display := w.DisplayName
	if display == "" {
		display = w.Title
	}
	*s = Submolt{
		Name:            string(w.Name),
		DisplayName:     display,
		Description:     w.Description,
		SubscriberCount: firstInt(w.SubscriberCount, w.Subscribers),
		CreatedAt:       orNow(w.CreatedAt.Time),
	}
	return nil
}
