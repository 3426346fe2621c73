package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/gatekeeper"
)

// SQLVersionCounter keeps tenant versions in the version column of the
// tenants table. The increment is a single UPDATE, so processes sharing the
// database never lose a bump. SQLGrantStore runs that UPDATE inside each
// mutation's transaction rather than calling Bump.
type SQLVersionCounter struct {
	db *squealx.DB
}

func NewSQLVersionCounter(db *squealx.DB) *SQLVersionCounter {
	return &SQLVersionCounter{db: db}
}

func (c *SQLVersionCounter) Current(ctx context.Context, tenantID string) (uint64, error) {
	r, err := c.db.NamedQueryContext(ctx, `SELECT version FROM tenants WHERE id = :id`, map[string]any{"id": tenantID})
	if err != nil {
		return 0, gatekeeper.Unavailable("read version", err)
	}
	defer r.Close()
	if !r.Next() {
		return 0, gatekeeper.NotFound("tenant", tenantID, tenantID)
	}
	var v int64
	if err := r.Scan(&v); err != nil {
		return 0, gatekeeper.Unavailable("scan version", err)
	}
	return uint64(v), nil
}

func (c *SQLVersionCounter) Bump(ctx context.Context, tenantID string) (uint64, error) {
	if err := bumpTenantRow(ctx, c.db, tenantID); err != nil {
		return 0, err
	}
	return c.Current(ctx, tenantID)
}

// bumpTenantRow advances the tenant's version column through q, which may be
// a transaction. It fails with ErrNotFound when the tenant does not exist.
func bumpTenantRow(ctx context.Context, q queryer, tenantID string) error {
	res, err := q.NamedExecContext(ctx, `UPDATE tenants SET version = version + 1 WHERE id = :id`, map[string]any{"id": tenantID})
	if err != nil {
		return gatekeeper.Unavailable("bump version", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gatekeeper.Unavailable("bump version", err)
	}
	if n == 0 {
		return gatekeeper.NotFound("tenant", tenantID, tenantID)
	}
	return nil
}

// RedisVersionCounter keeps tenant versions in Redis (key: {prefix}{tenantID})
// so several engine processes observe each other's mutations.
type RedisVersionCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisVersionCounter(client redis.UniversalClient, prefix string) *RedisVersionCounter {
	if prefix == "" {
		prefix = "gatekeeper:version:"
	}
	return &RedisVersionCounter{client: client, prefix: prefix}
}

func (c *RedisVersionCounter) key(tenantID string) string {
	return c.prefix + tenantID
}

// Current returns 0 for a tenant that was never bumped.
func (c *RedisVersionCounter) Current(ctx context.Context, tenantID string) (uint64, error) {
	v, err := c.client.Get(ctx, c.key(tenantID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, gatekeeper.Unavailable("redis get version", err)
	}
	return v, nil
}

func (c *RedisVersionCounter) Bump(ctx context.Context, tenantID string) (uint64, error) {
	v, err := c.client.Incr(ctx, c.key(tenantID)).Result()
	if err != nil {
		return 0, gatekeeper.Unavailable("redis incr version", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative version for tenant %s", gatekeeper.ErrConfiguration, tenantID)
	}
	return uint64(v), nil
}
