package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Headers is the flow-control state carried by one response.
type Headers struct {
	// Present is false when the response carried no bucket headers at all.
	Present    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Bucket     string
	Global     bool
	Scope      string
	RetryAfter time.Duration
}

// ParseHeaders reads flow-control headers. Relative reset offsets are preferred
// over the absolute epoch so local clock skew does not stretch waits.
func ParseHeaders(h http.Header, now time.Time) (Headers, error) {
	out := Headers{
		Bucket: strings.TrimSpace(h.Get(HeaderBucket)),
		Scope:  strings.TrimSpace(h.Get(HeaderScope)),
	}
	if raw := h.Get(HeaderGlobal); raw != "" {
		g, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return out, fmt.Errorf("ratelimit: parse %s=%q: %w", HeaderGlobal, raw, err)
		}
		out.Global = g
	}
	if raw := h.Get(HeaderRetryAfter); raw != "" {
		d, err := parseSeconds(raw)
		if err != nil {
			return out, fmt.Errorf("ratelimit: parse %s=%q: %w", HeaderRetryAfter, raw, err)
		}
		out.RetryAfter = d
	}

	limit, remaining := h.Get(HeaderLimit), h.Get(HeaderRemaining)
	if limit == "" || remaining == "" {
		return out, nil
	}
	var err error
	if out.Limit, err = strconv.Atoi(strings.TrimSpace(limit)); err != nil {
		return out, fmt.Errorf("ratelimit: parse %s=%q: %w", HeaderLimit, limit, err)
	}
	if out.Remaining, err = strconv.Atoi(strings.TrimSpace(remaining)); err != nil {
		return out, fmt.Errorf("ratelimit: parse %s=%q: %w", HeaderRemaining, remaining, err)
	}
	if out.Remaining < 0 {
		out.Remaining = 0
	}

	switch {
	case h.Get(HeaderResetAfter) != "":
		d, err := parseSeconds(h.Get(HeaderResetAfter))
		if err != nil {
			return out, fmt.Errorf("ratelimit: parse %s: %w", HeaderResetAfter, err)
		}
		out.ResetAt = now.Add(d)
	case h.Get(HeaderReset) != "":
		f, err := strconv.ParseFloat(strings.TrimSpace(h.Get(HeaderReset)), 64)
		if err != nil {
			return out, fmt.Errorf("ratelimit: parse %s: %w", HeaderReset, err)
		}
		sec, frac := math.Modf(f)
		out.ResetAt = time.Unix(int64(sec), int64(frac*1e9))
	default:
		return out, nil
	}
	out.Present = true
	return out, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid seconds %q", raw)
	}
	return time.Duration(f * float64(time.Second)), nil
}
