package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the readiness probes for the two hard
// dependencies of the request path: Postgres and Redis.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client) map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		"db": func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("db not configured")
			}
			return pool.Ping(ctx)
		},
		"redis": func(ctx context.Context) error {
			if rdb == nil {
				return fmt.Errorf("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		},
	}
}
