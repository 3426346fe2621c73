package stores

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/gatekeeper"
)

// openFileDB opens its own pool on a sqlite file, standing in for a second
// process sharing the database.
func openFileDB(t *testing.T, path string) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return squealx.NewDb(sqlDB, "sqlite", "testdb")
}

func TestRejectedMutationRollsBackItsBump(t *testing.T) {
	ctx := context.Background()
	s := NewSQLGrantStore(newSQLDB(t))
	seed(t, s)
	before, err := s.Version(ctx, "t1")
	require.NoError(t, err)

	err = s.DefineRole(ctx, gatekeeper.Role{ID: "auditor", TenantID: "t1",
		Permissions: []gatekeeper.Permission{{Action: "export", ResourceType: "ledger"}}})
	require.ErrorIs(t, err, gatekeeper.ErrNotFound)
	after, err := s.Version(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, before, after)
	_, err = s.GetRoleParents(ctx, "t1", "auditor")
	require.ErrorIs(t, err, gatekeeper.ErrNotFound)
}

func TestCancelledMutationChangesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewSQLGrantStore(newSQLDB(t))
	seed(t, s)
	require.NoError(t, s.AssignRole(ctx, "t1", "u1", "manager"))
	before, err := s.Version(ctx, "t1")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, s.RevokeRole(cancelled, "t1", "u1", "manager"))

	roles, err := s.GetRoles(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"manager"}, roles)
	after, err := s.Version(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCycleCheckHoldsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first := NewSQLGrantStore(openFileDB(t, path))
	second := NewSQLGrantStore(openFileDB(t, path))
	require.NoError(t, Migrate(ctx, first.db))

	require.NoError(t, first.CreateTenant(ctx, gatekeeper.Tenant{ID: "t1"}))
	require.NoError(t, first.DefineRole(ctx, gatekeeper.Role{ID: "a", TenantID: "t1"}))
	require.NoError(t, first.DefineRole(ctx, gatekeeper.Role{ID: "b", TenantID: "t1"}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = first.DefineRole(ctx, gatekeeper.Role{ID: "a", TenantID: "t1", Parents: []string{"b"}})
	}()
	go func() {
		defer wg.Done()
		errs[1] = second.DefineRole(ctx, gatekeeper.Role{ID: "b", TenantID: "t1", Parents: []string{"a"}})
	}()
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, gatekeeper.ErrCycleDetected)
			rejected++
		}
	}
	require.Equal(t, 1, rejected, "exactly one of the two edges may be stored")

	graph, err := roleGraph(ctx, first.db, "t1")
	require.NoError(t, err)
	require.False(t, graph.WouldCycle("a", graph["a"]))
	require.False(t, graph.WouldCycle("b", graph["b"]))
}

func TestCorruptRowsAreConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	db := newSQLDB(t)
	s := NewSQLGrantStore(db)
	seed(t, s)

	_, err := db.ExecContext(ctx, `UPDATE roles SET parents_json = '{broken' WHERE id = 'employee'`)
	require.NoError(t, err)
	err = s.DefineRole(ctx, gatekeeper.Role{ID: "lead", TenantID: "t1", Parents: []string{"manager"}})
	require.ErrorIs(t, err, gatekeeper.ErrConfiguration)

	_, err = db.ExecContext(ctx, `UPDATE actors SET attrs_json = 'nope' WHERE id = 'u1'`)
	require.NoError(t, err)
	_, err = s.GetActor(ctx, "t1", "u1")
	require.ErrorIs(t, err, gatekeeper.ErrConfiguration)
}
