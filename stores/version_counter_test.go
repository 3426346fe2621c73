package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/gatekeeper"
)

func TestRedisVersionCounter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisVersionCounter(client, "")
	v, err := c.Current(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, v)

	v, err = c.Bump(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	_, _ = c.Bump(ctx, "t1")

	v, err = c.Current(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	other, err := c.Current(ctx, "t2")
	require.NoError(t, err)
	require.Zero(t, other)

	got, err := mr.Get("gatekeeper:version:t1")
	require.NoError(t, err)
	require.Equal(t, "2", got)
}

func TestRedisVersionCounterUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisVersionCounter(client, "v:").Bump(context.Background(), "t1")
	require.ErrorIs(t, err, gatekeeper.ErrUnavailable)
}

func TestSQLStoreWithRedisCounter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	counter := NewRedisVersionCounter(client, "gk:")
	s := NewSQLGrantStore(newSQLDB(t), WithVersionCounter(counter))
	seed(t, s)

	v, err := s.Version(ctx, "t1")
	require.NoError(t, err)
	// tenant, actor, two permissions, two roles
	require.Equal(t, uint64(6), v)

	require.NoError(t, s.AssignRole(ctx, "t1", "u1", "manager"))
	shared, err := counter.Current(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), shared)
}

func TestSQLVersionCounterUnknownTenant(t *testing.T) {
	c := NewSQLVersionCounter(newSQLDB(t))
	_, err := c.Current(context.Background(), "missing")
	require.ErrorIs(t, err, gatekeeper.ErrNotFound)
}

func TestMemoryVersionCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryVersionCounter()
	for i := 1; i <= 3; i++ {
		v, err := c.Bump(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, uint64(i), v)
	}
	v, _ := c.Current(ctx, "t2")
	require.Zero(t, v)
}

func TestEngineDoesNotServeRevokedRoleWhenBumpFails(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewSQLGrantStore(newSQLDB(t), WithVersionCounter(NewRedisVersionCounter(client, "gk:")), WithBumpRetry(2, time.Millisecond))
	seed(t, s)
	eng, err := gatekeeper.NewEngine(s, NewMemoryAuditSink())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	require.NoError(t, eng.AssignRole(ctx, "t1", "u1", "manager"))

	d, err := eng.Decide(ctx, "t1", "u1", "update", "invoice", gatekeeper.ResourceSnapshot{})
	require.NoError(t, err)
	require.Equal(t, "GrantedByRole", d.Code())
	eng.Cache().Wait()

	mr.Close()
	err = eng.RevokeRole(ctx, "t1", "u1", "manager")
	require.ErrorIs(t, err, gatekeeper.ErrUnavailable)
	// the revocation itself committed
	roles, err := s.GetRoles(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Empty(t, roles)

	require.NoError(t, mr.Restart())
	require.NoError(t, client.Ping(ctx).Err())
	d, err = eng.Decide(ctx, "t1", "u1", "update", "invoice", gatekeeper.ResourceSnapshot{})
	require.NoError(t, err)
	require.Equal(t, uint64(7), d.Version, "the shared counter never saw the revocation")
	require.Equal(t, "DeniedNoGrant", d.Code())
}

func TestSQLStoreRetriesExternalBump(t *testing.T) {
	ctx := context.Background()
	counter := &flakyCounter{VersionCounter: NewMemoryVersionCounter(), failures: 2}
	s := NewSQLGrantStore(newSQLDB(t), WithVersionCounter(counter), WithBumpRetry(3, time.Millisecond))
	require.NoError(t, s.CreateTenant(ctx, gatekeeper.Tenant{ID: "t1"}))
	v, err := s.Version(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.Equal(t, 3, counter.calls)
}

// flakyCounter fails its first bumps.
type flakyCounter struct {
	gatekeeper.VersionCounter
	failures int
	calls    int
}

func (c *flakyCounter) Bump(ctx context.Context, tenantID string) (uint64, error) {
	c.calls++
	if c.calls <= c.failures {
		return 0, errors.New("connection reset by peer")
	}
	return c.VersionCounter.Bump(ctx, tenantID)
}
