package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lineage/internal/middleware"

	"github.com/redis/go-redis/v9"
)

const (
	ViewerKeyPrefix      = "viewer:%d"
	PublicListVersionKey = "posts:public:version"
	PublicListKeyPrefix  = "posts:public:v%d:page:%d"
)

const (
	ViewerTTL     = 5 * time.Minute
	PublicListTTL = 2 * time.Minute
)

// ViewerKey holds a user's admin flag and capability names.
func ViewerKey(userID uint) string {
	return fmt.Sprintf(ViewerKeyPrefix, userID)
}

// PublicListKey holds one page of the anonymous listing for a list version.
func PublicListKey(version int64, page int) string {
	return fmt.Sprintf(PublicListKeyPrefix, version, page)
}

// PublicListVersion returns the current listing version; 0 when unset or
// when Redis is unavailable.
func PublicListVersion(ctx context.Context) int64 {
	if client == nil {
		return 0
	}
	v, err := client.Get(ctx, PublicListVersionKey).Int64()
	if err != nil && err != redis.Nil {
		return 0
	}
	return v
}

// BumpPublicListVersion orphans every cached listing page. Old pages expire
// on their own TTL.
func BumpPublicListVersion(ctx context.Context) {
	if client == nil {
		return
	}
	if err := client.Incr(ctx, PublicListVersionKey).Err(); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to bump listing cache version", slog.String("error", err.Error()))
	}
}

// Invalidate deletes key, ignoring a missing client.
func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

// InvalidateViewer drops the cached capabilities of userID.
func InvalidateViewer(ctx context.Context, userID uint) {
	Invalidate(ctx, ViewerKey(userID))
}
