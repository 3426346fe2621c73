package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/utils"
)

// SQLGrantStore persists grants and roles in SQL (squealx). A role's parents
// and permissions live in its own row, so redefining a role is one upsert.
//
// Every mutation runs in one transaction that starts by advancing the
// tenant row's version column. That UPDATE is the per-tenant write lock
// shared by every process on the database (a row lock on postgres, the
// reserved lock on sqlite opened with _txlock=immediate), and it commits
// together with the change. With an external VersionCounter the counter is
// bumped after the commit and retried on failure; if it still fails the
// mutation returns ErrUnavailable.
type SQLGrantStore struct {
	db      *squealx.DB
	counter gatekeeper.VersionCounter
	writers tenantLocks
	now     func() time.Time

	bumpAttempts int
	bumpBackoff  time.Duration
}

// SQLStoreOption configures a SQLGrantStore.
type SQLStoreOption func(*SQLGrantStore)

// WithVersionCounter replaces the tenants-table counter, e.g. with a
// RedisVersionCounter shared by several processes.
func WithVersionCounter(c gatekeeper.VersionCounter) SQLStoreOption {
	return func(s *SQLGrantStore) { s.counter = c }
}

// WithBumpRetry sets how often an external counter bump is tried after a
// commit, doubling backoff between tries.
func WithBumpRetry(attempts int, backoff time.Duration) SQLStoreOption {
	return func(s *SQLGrantStore) {
		if attempts > 0 {
			s.bumpAttempts = attempts
		}
		if backoff > 0 {
			s.bumpBackoff = backoff
		}
	}
}

func NewSQLGrantStore(db *squealx.DB, opts ...SQLStoreOption) *SQLGrantStore {
	s := &SQLGrantStore{db: db, now: time.Now, bumpAttempts: 3, bumpBackoff: 20 * time.Millisecond}
	s.counter = NewSQLVersionCounter(db)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ gatekeeper.GrantStore = (*SQLGrantStore)(nil)

// queryer is what *squealx.DB and *squealx.Tx have in common.
type queryer interface {
	NamedQueryContext(ctx context.Context, query string, arg any) (*squealx.Rows, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func (s *SQLGrantStore) externalCounter() bool {
	_, local := s.counter.(*SQLVersionCounter)
	return !local
}

// mutate runs fn in a transaction holding the tenant's write lock. The
// version bump and fn's writes commit together; a rejected fn rolls both
// back.
func (s *SQLGrantStore) mutate(ctx context.Context, tenantID string, fn func(q queryer) error) error {
	return s.inTx(ctx, tenantID, func(tx queryer) error {
		if err := bumpTenantRow(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (s *SQLGrantStore) inTx(ctx context.Context, tenantID string, fn func(q queryer) error) error {
	unlock := s.writers.lock(tenantID)
	defer unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return gatekeeper.Unavailable("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return gatekeeper.Unavailable("commit", err)
	}
	if s.externalCounter() {
		return s.bumpExternal(ctx, tenantID)
	}
	return nil
}

// bumpExternal advances an external counter for a change that is already
// committed, so it ignores the caller's cancellation.
func (s *SQLGrantStore) bumpExternal(ctx context.Context, tenantID string) error {
	ctx = context.WithoutCancel(ctx)
	backoff := s.bumpBackoff
	var err error
	for i := 0; i < s.bumpAttempts; i++ {
		if _, err = s.counter.Bump(ctx, tenantID); err == nil {
			return nil
		}
		if i < s.bumpAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return gatekeeper.Unavailable("bump version", err)
}

func exists(ctx context.Context, q queryer, query string, params map[string]any) (bool, error) {
	r, err := q.NamedQueryContext(ctx, query, params)
	if err != nil {
		return false, gatekeeper.Unavailable("query", err)
	}
	defer r.Close()
	return r.Next(), nil
}

func requireActor(ctx context.Context, q queryer, tenantID, actorID string) error {
	ok, err := exists(ctx, q, `SELECT id FROM actors WHERE tenant_id = :tenant_id AND id = :id`,
		map[string]any{"tenant_id": tenantID, "id": actorID})
	if err != nil {
		return err
	}
	if !ok {
		return gatekeeper.NotFound("actor", tenantID, actorID)
	}
	return nil
}

func requireRole(ctx context.Context, q queryer, tenantID, roleID string) error {
	ok, err := exists(ctx, q, `SELECT id FROM roles WHERE tenant_id = :tenant_id AND id = :id`,
		map[string]any{"tenant_id": tenantID, "id": roleID})
	if err != nil {
		return err
	}
	if !ok {
		return gatekeeper.NotFound("role", tenantID, roleID)
	}
	return nil
}

func requirePermission(ctx context.Context, q queryer, tenantID string, p gatekeeper.Permission) error {
	ok, err := exists(ctx, q, `SELECT action FROM permissions WHERE tenant_id = :tenant_id AND action = :action AND resource_type = :resource_type`,
		map[string]any{"tenant_id": tenantID, "action": string(p.Action), "resource_type": p.ResourceType})
	if err != nil {
		return err
	}
	if !ok {
		return gatekeeper.NotFound("permission", tenantID, p.String())
	}
	return nil
}

func exec(ctx context.Context, q queryer, op, query string, params map[string]any) error {
	if _, err := q.NamedExecContext(ctx, query, params); err != nil {
		return gatekeeper.Unavailable(op, err)
	}
	return nil
}

// ============================================================================
// MUTATORS
// ============================================================================

// CreateTenant upserts the tenant. The upsert advances the version of an
// existing tenant in the same statement.
func (s *SQLGrantStore) CreateTenant(ctx context.Context, t gatekeeper.Tenant) error {
	if !utils.ValidID(t.ID) {
		return fmt.Errorf("%w: tenant requires an id", gatekeeper.ErrInvalidArgument)
	}
	return s.inTx(ctx, t.ID, func(tx queryer) error {
		q := `INSERT INTO tenants(id, name, version, created_at) VALUES(:id, :name, 1, :created_at)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = tenants.version + 1`
		return exec(ctx, tx, "create tenant", q, map[string]any{"id": t.ID, "name": t.Name, "created_at": s.now()})
	})
}

func (s *SQLGrantStore) RegisterActor(ctx context.Context, a gatekeeper.Actor) error {
	if err := validateActor(a); err != nil {
		return err
	}
	attrs, err := json.Marshal(a.Attrs)
	if err != nil {
		return fmt.Errorf("%w: actor attrs: %v", gatekeeper.ErrInvalidArgument, err)
	}
	return s.mutate(ctx, a.TenantID, func(tx queryer) error {
		q := `INSERT INTO actors(tenant_id, id, unit, attrs_json) VALUES(:tenant_id, :id, :unit, :attrs_json)
			ON CONFLICT(tenant_id, id) DO UPDATE SET unit = excluded.unit, attrs_json = excluded.attrs_json`
		return exec(ctx, tx, "register actor", q, map[string]any{"tenant_id": a.TenantID, "id": a.ID, "unit": a.Unit, "attrs_json": string(attrs)})
	})
}

func (s *SQLGrantStore) DefinePermission(ctx context.Context, tenantID string, p gatekeeper.Permission) error {
	if err := validatePermission(tenantID, p); err != nil {
		return err
	}
	return s.mutate(ctx, tenantID, func(tx queryer) error {
		q := `INSERT INTO permissions(tenant_id, action, resource_type) VALUES(:tenant_id, :action, :resource_type) ON CONFLICT DO NOTHING`
		return exec(ctx, tx, "define permission", q, map[string]any{"tenant_id": tenantID, "action": string(p.Action), "resource_type": p.ResourceType})
	})
}

// DefineRole upserts the role after checking its parents and permissions
// exist and that the new parents keep the graph acyclic. The graph is read
// under the tenant's write lock, so concurrent definitions from other
// processes cannot both pass the check. A rejected definition writes
// nothing.
func (s *SQLGrantStore) DefineRole(ctx context.Context, r gatekeeper.Role) error {
	if err := validateRole(r); err != nil {
		return err
	}
	r.Parents = dedupe(r.Parents)
	if r.Name == "" {
		r.Name = r.ID
	}
	return s.mutate(ctx, r.TenantID, func(tx queryer) error {
		graph, err := roleGraph(ctx, tx, r.TenantID)
		if err != nil {
			return err
		}
		for _, p := range r.Parents {
			if _, ok := graph[p]; !ok {
				return gatekeeper.NotFound("role", r.TenantID, p)
			}
		}
		for _, p := range r.Permissions {
			if err := requirePermission(ctx, tx, r.TenantID, p); err != nil {
				return err
			}
		}
		if graph.WouldCycle(r.ID, r.Parents) {
			return fmt.Errorf("%w: role %s/%s", gatekeeper.ErrCycleDetected, r.TenantID, r.ID)
		}
		parents, _ := json.Marshal(r.Parents)
		perms, _ := json.Marshal(r.Permissions)
		now := s.now()
		q := `INSERT INTO roles(tenant_id, id, name, parents_json, permissions_json, created_at, updated_at)
			VALUES(:tenant_id, :id, :name, :parents_json, :permissions_json, :created_at, :updated_at)
			ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name, parents_json = excluded.parents_json,
			permissions_json = excluded.permissions_json, updated_at = excluded.updated_at`
		return exec(ctx, tx, "define role", q, map[string]any{
			"tenant_id":        r.TenantID,
			"id":               r.ID,
			"name":             r.Name,
			"parents_json":     string(parents),
			"permissions_json": string(perms),
			"created_at":       now,
			"updated_at":       now,
		})
	})
}

func (s *SQLGrantStore) AssignRole(ctx context.Context, tenantID, actorID, roleID string) error {
	return s.mutate(ctx, tenantID, func(tx queryer) error {
		if err := requireActor(ctx, tx, tenantID, actorID); err != nil {
			return err
		}
		if err := requireRole(ctx, tx, tenantID, roleID); err != nil {
			return err
		}
		q := `INSERT INTO actor_roles(tenant_id, actor_id, role_id) VALUES(:tenant_id, :actor_id, :role_id) ON CONFLICT DO NOTHING`
		return exec(ctx, tx, "assign role", q, map[string]any{"tenant_id": tenantID, "actor_id": actorID, "role_id": roleID})
	})
}

func (s *SQLGrantStore) RevokeRole(ctx context.Context, tenantID, actorID, roleID string) error {
	return s.mutate(ctx, tenantID, func(tx queryer) error {
		if err := requireActor(ctx, tx, tenantID, actorID); err != nil {
			return err
		}
		if err := requireRole(ctx, tx, tenantID, roleID); err != nil {
			return err
		}
		q := `DELETE FROM actor_roles WHERE tenant_id = :tenant_id AND actor_id = :actor_id AND role_id = :role_id`
		return exec(ctx, tx, "revoke role", q, map[string]any{"tenant_id": tenantID, "actor_id": actorID, "role_id": roleID})
	})
}

func grantParams(g gatekeeper.Grant) map[string]any {
	return map[string]any{
		"tenant_id":     g.TenantID,
		"actor_id":      g.ActorID,
		"action":        string(g.Permission.Action),
		"resource_type": g.Permission.ResourceType,
		"scope":         string(g.Scope),
		"resource_id":   g.ResourceID,
	}
}

func (s *SQLGrantStore) Grant(ctx context.Context, g gatekeeper.Grant) error {
	g.RoleID = ""
	if err := g.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, g.TenantID, func(tx queryer) error {
		if err := requireActor(ctx, tx, g.TenantID, g.ActorID); err != nil {
			return err
		}
		if err := requirePermission(ctx, tx, g.TenantID, g.Permission); err != nil {
			return err
		}
		q := `INSERT INTO direct_grants(tenant_id, actor_id, action, resource_type, scope, resource_id)
			VALUES(:tenant_id, :actor_id, :action, :resource_type, :scope, :resource_id) ON CONFLICT DO NOTHING`
		return exec(ctx, tx, "grant", q, grantParams(g))
	})
}

func (s *SQLGrantStore) Revoke(ctx context.Context, g gatekeeper.Grant) error {
	g.RoleID = ""
	if err := g.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, g.TenantID, func(tx queryer) error {
		if err := requireActor(ctx, tx, g.TenantID, g.ActorID); err != nil {
			return err
		}
		q := `DELETE FROM direct_grants WHERE tenant_id = :tenant_id AND actor_id = :actor_id AND action = :action
			AND resource_type = :resource_type AND scope = :scope AND resource_id = :resource_id`
		return exec(ctx, tx, "revoke", q, grantParams(g))
	})
}

// ============================================================================
// READS
// ============================================================================

func (s *SQLGrantStore) Version(ctx context.Context, tenantID string) (uint64, error) {
	return s.counter.Current(ctx, tenantID)
}

func (s *SQLGrantStore) GetActor(ctx context.Context, tenantID, actorID string) (*gatekeeper.Actor, error) {
	q := `SELECT id, unit, attrs_json FROM actors WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": actorID})
	if err != nil {
		return nil, gatekeeper.Unavailable("get actor", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, gatekeeper.NotFound("actor", tenantID, actorID)
	}
	var id, unit, attrsJSON string
	if err := r.Scan(&id, &unit, &attrsJSON); err != nil {
		return nil, gatekeeper.Unavailable("scan actor", err)
	}
	a := &gatekeeper.Actor{ID: id, TenantID: tenantID, Unit: unit}
	if err := json.Unmarshal([]byte(attrsJSON), &a.Attrs); err != nil {
		return nil, fmt.Errorf("%w: actor %s attrs: %v", gatekeeper.ErrConfiguration, actorID, err)
	}
	return a, nil
}

func (s *SQLGrantStore) ListPermissions(ctx context.Context, tenantID string) ([]gatekeeper.Permission, error) {
	q := `SELECT action, resource_type FROM permissions WHERE tenant_id = :tenant_id ORDER BY action, resource_type`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, gatekeeper.Unavailable("list permissions", err)
	}
	defer r.Close()
	out := make([]gatekeeper.Permission, 0)
	for r.Next() {
		var action, resourceType string
		if err := r.Scan(&action, &resourceType); err != nil {
			return nil, gatekeeper.Unavailable("scan permission", err)
		}
		out = append(out, gatekeeper.Permission{Action: gatekeeper.Action(action), ResourceType: resourceType})
	}
	return out, nil
}

func (s *SQLGrantStore) GetRoles(ctx context.Context, tenantID, actorID string) ([]string, error) {
	if err := requireActor(ctx, s.db, tenantID, actorID); err != nil {
		return nil, err
	}
	out := make([]string, 0)
	q := `SELECT role_id FROM actor_roles WHERE tenant_id = :tenant_id AND actor_id = :actor_id ORDER BY role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "actor_id": actorID})
	if err != nil {
		return nil, gatekeeper.Unavailable("get roles", err)
	}
	defer r.Close()
	for r.Next() {
		var role string
		if err := r.Scan(&role); err != nil {
			return nil, gatekeeper.Unavailable("scan role", err)
		}
		out = append(out, role)
	}
	return out, nil
}

func (s *SQLGrantStore) GetDirectGrants(ctx context.Context, tenantID, actorID string) ([]gatekeeper.Grant, error) {
	if err := requireActor(ctx, s.db, tenantID, actorID); err != nil {
		return nil, err
	}
	q := `SELECT action, resource_type, scope, resource_id FROM direct_grants
		WHERE tenant_id = :tenant_id AND actor_id = :actor_id ORDER BY action, resource_type, scope, resource_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "actor_id": actorID})
	if err != nil {
		return nil, gatekeeper.Unavailable("get direct grants", err)
	}
	defer r.Close()
	out := make([]gatekeeper.Grant, 0)
	for r.Next() {
		var action, resourceType, scope, resourceID string
		if err := r.Scan(&action, &resourceType, &scope, &resourceID); err != nil {
			return nil, gatekeeper.Unavailable("scan grant", err)
		}
		out = append(out, gatekeeper.Grant{
			TenantID:   tenantID,
			ActorID:    actorID,
			Permission: gatekeeper.Permission{Action: gatekeeper.Action(action), ResourceType: resourceType},
			Scope:      gatekeeper.Scope(scope),
			ResourceID: resourceID,
		})
	}
	return out, nil
}

func (s *SQLGrantStore) GetRoleGrants(ctx context.Context, tenantID, roleID string) ([]gatekeeper.Grant, error) {
	role, err := s.getRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	return roleGrants(role), nil
}

func (s *SQLGrantStore) GetRoleParents(ctx context.Context, tenantID, roleID string) ([]string, error) {
	role, err := s.getRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	return role.Parents, nil
}

func (s *SQLGrantStore) ListRoles(ctx context.Context, tenantID string) ([]*gatekeeper.Role, error) {
	q := `SELECT id, name, parents_json, permissions_json, created_at, updated_at FROM roles WHERE tenant_id = :tenant_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, gatekeeper.Unavailable("list roles", err)
	}
	defer r.Close()
	out := make([]*gatekeeper.Role, 0)
	for r.Next() {
		role, err := scanRole(tenantID, r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func (s *SQLGrantStore) getRole(ctx context.Context, tenantID, roleID string) (*gatekeeper.Role, error) {
	q := `SELECT id, name, parents_json, permissions_json, created_at, updated_at FROM roles WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": roleID})
	if err != nil {
		return nil, gatekeeper.Unavailable("get role", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, gatekeeper.NotFound("role", tenantID, roleID)
	}
	return scanRole(tenantID, r)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(tenantID string, r rowScanner) (*gatekeeper.Role, error) {
	var id, name, parentsJSON, permsJSON string
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &name, &parentsJSON, &permsJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, gatekeeper.Unavailable("scan role", err)
	}
	role := &gatekeeper.Role{ID: id, TenantID: tenantID, Name: name}
	if err := json.Unmarshal([]byte(parentsJSON), &role.Parents); err != nil {
		return nil, fmt.Errorf("%w: role %s parents: %v", gatekeeper.ErrConfiguration, id, err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("%w: role %s permissions: %v", gatekeeper.ErrConfiguration, id, err)
	}
	role.CreatedAt = scanTime(createdRaw)
	role.UpdatedAt = scanTime(updatedRaw)
	return role, nil
}

func roleGraph(ctx context.Context, tx queryer, tenantID string) (gatekeeper.RoleGraph, error) {
	q := `SELECT id, parents_json FROM roles WHERE tenant_id = :tenant_id`
	r, err := tx.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, gatekeeper.Unavailable("role graph", err)
	}
	defer r.Close()
	g := make(gatekeeper.RoleGraph)
	for r.Next() {
		var id, parentsJSON string
		if err := r.Scan(&id, &parentsJSON); err != nil {
			return nil, gatekeeper.Unavailable("scan role graph", err)
		}
		var parents []string
		if err := json.Unmarshal([]byte(parentsJSON), &parents); err != nil {
			return nil, fmt.Errorf("%w: role %s parents: %v", gatekeeper.ErrConfiguration, id, err)
		}
		g[id] = parents
	}
	return g, nil
}
