package signal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ddns:changed:"

// Store is a key/value store used as a poor man's pub/sub: writers set a
// short-lived key, pollers get and delete it.
type Store interface {
	Set(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// OwnerKey is the change signal key for an owning account.
func OwnerKey(ownerID string) string {
	return keyPrefix + ownerID
}

// New returns a Redis backed store for a redis:// URL, or an in-memory store
// when url is empty.
func New(url string) (Store, error) {
	if url == "" {
		return NewMemory(), nil
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, fmt.Errorf("unsupported signal store url %q", url)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing signal store url: %w", err)
	}
	return NewRedis(redis.NewClient(opts)), nil
}
