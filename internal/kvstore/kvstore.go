// ABOUTME: KV interface and tier selection for tracker-gateway state storage
// ABOUTME: Defines the get/put contract shared by durable and in-memory tiers

package kvstore

import (
	"context"
	"time"
)

// KV is the key/value contract shared by every store tier. Values are
// opaque strings; a zero TTL means the entry never expires. Get reports
// absence through the boolean, not through an error.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// FirstAvailable returns the first non-nil candidate. Tier selection is
// static per deployment: which durable backends are configured decides the
// chain once at startup, and callers never branch per call.
func FirstAvailable(candidates ...KV) KV {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}
