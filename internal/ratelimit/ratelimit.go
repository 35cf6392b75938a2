// ABOUTME: Per-source fixed-window rate limiter backed by a KV store tier
// ABOUTME: Counts requests in one-second buckets and rejects past the configured limit

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tracker-gateway/internal/kvstore"
)

// counterTTL keeps a bucket's counter alive into the following buckets so
// cleanup and minor clock skew never resurrect a spent allowance.
const counterTTL = 5 * time.Second

// Decision is the outcome of a rate limit check. RetryAfterSeconds is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Limiter counts requests per source identity in one-second wall-clock
// buckets. Counters live in whichever KV tier the deployment selected;
// increments are read-then-write, so concurrent bursts within one bucket
// may transiently overshoot the limit. That is accepted: enforcement is
// best-effort fairness, not a linearizable quota.
type Limiter struct {
	store  kvstore.KV
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter allowing limit requests per second per identity.
func New(store kvstore.KV, limit int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// CheckAndRecord checks the current bucket's count for identity and, if
// under the limit, records this request. Store failures fail open: an
// unavailable store tier must not turn into total denial of service, so
// the request is allowed and the failure logged at warn.
func (l *Limiter) CheckAndRecord(ctx context.Context, identity string) Decision {
	bucket := l.now().Unix()
	key := fmt.Sprintf("rl:%s:%d", identity, bucket)

	count := 0
	value, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit read failed, allowing request", "identity", identity, "error", err)
		return Decision{Allowed: true}
	}
	if ok {
		count, err = strconv.Atoi(value)
		if err != nil {
			l.logger.Warn("rate limit counter corrupt, resetting", "identity", identity, "value", value)
			count = 0
		}
	}

	if count >= l.limit {
		return Decision{Allowed: false, RetryAfterSeconds: 1}
	}

	if err := l.store.Put(ctx, key, strconv.Itoa(count+1), counterTTL); err != nil {
		l.logger.Warn("rate limit write failed, allowing request", "identity", identity, "error", err)
	}
	return Decision{Allowed: true}
}

// Limit returns the configured per-second request limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// ClientIdentity resolves the source identity for a request. A trusted
// proxy-supplied client IP wins, then the first forwarded-for entry.
// Unidentifiable sources all share the literal "unknown" bucket, which is
// deliberately conservative: anonymous traffic competes for one allowance.
func ClientIdentity(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return "unknown"
}
