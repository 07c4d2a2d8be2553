package journal

import (
	"context"
	"strings"
)

// NewStore picks Postgres when databaseURL is set, Redis when redisAddr is
// set, and an in-process ring otherwise.
func NewStore(ctx context.Context, databaseURL, redisAddr string, limit int) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(redisAddr) != "" {
		return NewRedisStore(ctx, redisAddr, limit)
	}
	return NewInMemoryStore(limit), nil
}
