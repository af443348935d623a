package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Upstream rate-limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// resetEpochFloor separates absolute unix reset values from relative ones;
// anything smaller is treated as seconds from now.
const resetEpochFloor = 1_000_000_000

// ParseHeaders extracts the upstream limit state from response headers.
// Unparseable values are treated as absent. Retry-After is left to the
// backoff package, which understands the HTTP-date form.
func ParseHeaders(h http.Header, now time.Time) Info {
	info := EmptyInfo()

	if v := strings.TrimSpace(h.Get(HeaderLimit)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			info.Limit = n
		}
	}

	if v := strings.TrimSpace(h.Get(HeaderRemaining)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = max(n, 0)
		}
	}

	if v := strings.TrimSpace(h.Get(HeaderReset)); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			if secs < resetEpochFloor {
				info.ResetAt = now.Add(time.Duration(secs * float64(time.Second)))
			} else {
				whole := int64(secs)
				info.ResetAt = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
			}
		}
	}

	return info
}
