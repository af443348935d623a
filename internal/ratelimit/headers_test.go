package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		headers map[string]string
		want    Info
	}{
		{
			name:    "no headers",
			headers: map[string]string{},
			want:    Info{Limit: Unset, Remaining: Unset},
		},
		{
			name: "absolute reset",
			headers: map[string]string{
				HeaderLimit:     "100",
				HeaderRemaining: "42",
				HeaderReset:     "1772366460",
			},
			want: Info{Limit: 100, Remaining: 42, ResetAt: time.Unix(1772366460, 0).UTC()},
		},
		{
			name: "relative reset",
			headers: map[string]string{
				HeaderRemaining: "0",
				HeaderReset:     "30",
			},
			want: Info{Limit: Unset, Remaining: 0, ResetAt: now.Add(30 * time.Second)},
		},
		{
			name: "garbage values are ignored",
			headers: map[string]string{
				HeaderLimit:     "lots",
				HeaderRemaining: "-5",
				HeaderReset:     "soon",
			},
			want: Info{Limit: Unset, Remaining: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got := ParseHeaders(h, now)
			assert.Equal(t, tt.want.Limit, got.Limit)
			assert.Equal(t, tt.want.Remaining, got.Remaining)
			assert.True(t, tt.want.ResetAt.Equal(got.ResetAt), "reset: got %v want %v", got.ResetAt, tt.want.ResetAt)
		})
	}
}

func TestInfo_Empty(t *testing.T) {
	assert.True(t, EmptyInfo().Empty())
	assert.False(t, Info{Limit: Unset, Remaining: 3}.Empty())
	assert.False(t, Info{Limit: Unset, Remaining: Unset, RetryAfter: time.Second}.Empty())
}
