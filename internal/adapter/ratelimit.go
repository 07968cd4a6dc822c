package adapter

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"acms/internal/config"
	"acms/internal/types"
)

// =============================================================================
// PER-USER RATE LIMITS
// =============================================================================
// Token buckets per (user, operation class). Exceeding a bucket returns
// RateLimitedError carrying a retry-after hint.

type opClass int

const (
	opIngest opClass = iota
	opQuery
	opExport
)

// RateLimitedError carries the retry-after hint to the wire.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == types.ErrRateLimited }

type userLimiters struct {
	ingest *rate.Limiter
	query  *rate.Limiter
	export *rate.Limiter
}

type rateLimiter struct {
	cfg config.RateLimitConfig

	mu    sync.Mutex
	users map[string]*userLimiters
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	return &rateLimiter{cfg: cfg, users: make(map[string]*userLimiters)}
}

func (r *rateLimiter) limiters(userID string) *userLimiters {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.users[userID]
	if !ok {
		l = &userLimiters{
			ingest: rate.NewLimiter(rate.Limit(r.cfg.IngestPerMinute)/60, r.cfg.IngestPerMinute),
			query:  rate.NewLimiter(rate.Limit(r.cfg.QueriesPerMinute)/60, r.cfg.QueriesPerMinute),
			export: rate.NewLimiter(rate.Limit(r.cfg.ExportsPerDay)/86400, r.cfg.ExportsPerDay),
		}
		r.users[userID] = l
	}
	return l
}

// allow consumes one token or returns RateLimitedError with a hint.
func (r *rateLimiter) allow(userID string, op opClass) error {
	l := r.limiters(userID)
	var limiter *rate.Limiter
	switch op {
	case opIngest:
		limiter = l.ingest
	case opQuery:
		limiter = l.query
	case opExport:
		limiter = l.export
	}

	res := limiter.Reserve()
	if !res.OK() {
		return &RateLimitedError{RetryAfter: time.Minute}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return &RateLimitedError{RetryAfter: delay}
	}
	return nil
}
