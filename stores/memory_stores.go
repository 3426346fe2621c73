package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/utils"
)

// tenantState is one tenant's partition of the memory store. Nothing in it
// is reachable from another tenant's partition.
type tenantState struct {
	mu      sync.RWMutex
	tenant  gatekeeper.Tenant
	version atomic.Uint64
	actors  map[string]*gatekeeper.Actor
	catalog map[gatekeeper.Permission]struct{}
	roles   map[string]*gatekeeper.Role
	members map[string]map[string]struct{} // actor -> role ids
	grants  map[string][]gatekeeper.Grant  // actor -> direct grants
}

func newTenantState(t gatekeeper.Tenant) *tenantState {
	return &tenantState{
		tenant:  t,
		actors:  make(map[string]*gatekeeper.Actor),
		catalog: make(map[gatekeeper.Permission]struct{}),
		roles:   make(map[string]*gatekeeper.Role),
		members: make(map[string]map[string]struct{}),
		grants:  make(map[string][]gatekeeper.Grant),
	}
}

func (ts *tenantState) graph() gatekeeper.RoleGraph {
	g := make(gatekeeper.RoleGraph, len(ts.roles))
	for id, r := range ts.roles {
		g[id] = r.Parents
	}
	return g
}

// MemoryGrantStore implements gatekeeper.GrantStore in memory. Each tenant
// has its own lock, so writers of different tenants never contend and
// readers only share a read lock with each other.
type MemoryGrantStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
	now     func() time.Time
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{tenants: make(map[string]*tenantState), now: time.Now}
}

var _ gatekeeper.GrantStore = (*MemoryGrantStore)(nil)

func (s *MemoryGrantStore) tenant(tenantID string) (*tenantState, error) {
	s.mu.RLock()
	ts, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, gatekeeper.NotFound("tenant", tenantID, tenantID)
	}
	return ts, nil
}

// write runs fn under the tenant's write lock and bumps the version when fn
// succeeds.
func (s *MemoryGrantStore) write(tenantID string, fn func(ts *tenantState) error) error {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := fn(ts); err != nil {
		return err
	}
	ts.version.Add(1)
	return nil
}

func (s *MemoryGrantStore) CreateTenant(ctx context.Context, t gatekeeper.Tenant) error {
	if !utils.ValidID(t.ID) {
		return fmt.Errorf("%w: tenant requires an id", gatekeeper.ErrInvalidArgument)
	}
	s.mu.Lock()
	ts, ok := s.tenants[t.ID]
	if !ok {
		t.CreatedAt = s.now()
		s.tenants[t.ID] = newTenantState(t)
		s.mu.Unlock()
		return s.write(t.ID, func(*tenantState) error { return nil })
	}
	s.mu.Unlock()
	return s.write(t.ID, func(*tenantState) error {
		ts.tenant.Name = t.Name
		return nil
	})
}

func (s *MemoryGrantStore) RegisterActor(ctx context.Context, a gatekeeper.Actor) error {
	if err := validateActor(a); err != nil {
		return err
	}
	return s.write(a.TenantID, func(ts *tenantState) error {
		ts.actors[a.ID] = cloneActor(&a)
		return nil
	})
}

func (s *MemoryGrantStore) DefinePermission(ctx context.Context, tenantID string, p gatekeeper.Permission) error {
	if err := validatePermission(tenantID, p); err != nil {
		return err
	}
	return s.write(tenantID, func(ts *tenantState) error {
		ts.catalog[p] = struct{}{}
		return nil
	})
}

func (s *MemoryGrantStore) DefineRole(ctx context.Context, r gatekeeper.Role) error {
	if err := validateRole(r); err != nil {
		return err
	}
	r.Parents = dedupe(r.Parents)
	return s.write(r.TenantID, func(ts *tenantState) error {
		for _, p := range r.Parents {
			if _, ok := ts.roles[p]; !ok {
				return gatekeeper.NotFound("role", r.TenantID, p)
			}
		}
		for _, p := range r.Permissions {
			if _, ok := ts.catalog[p]; !ok {
				return gatekeeper.NotFound("permission", r.TenantID, p.String())
			}
		}
		if ts.graph().WouldCycle(r.ID, r.Parents) {
			return fmt.Errorf("%w: role %s/%s", gatekeeper.ErrCycleDetected, r.TenantID, r.ID)
		}
		now := s.now()
		if old, ok := ts.roles[r.ID]; ok {
			r.CreatedAt = old.CreatedAt
		} else {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		if r.Name == "" {
			r.Name = r.ID
		}
		ts.roles[r.ID] = cloneRole(&r)
		return nil
	})
}

func (s *MemoryGrantStore) AssignRole(ctx context.Context, tenantID, actorID, roleID string) error {
	return s.write(tenantID, func(ts *tenantState) error {
		if _, ok := ts.actors[actorID]; !ok {
			return gatekeeper.NotFound("actor", tenantID, actorID)
		}
		if _, ok := ts.roles[roleID]; !ok {
			return gatekeeper.NotFound("role", tenantID, roleID)
		}
		if ts.members[actorID] == nil {
			ts.members[actorID] = make(map[string]struct{})
		}
		ts.members[actorID][roleID] = struct{}{}
		return nil
	})
}

// RevokeRole removes the assignment. Revoking a role the actor does not hold
// still succeeds and bumps the version.
func (s *MemoryGrantStore) RevokeRole(ctx context.Context, tenantID, actorID, roleID string) error {
	return s.write(tenantID, func(ts *tenantState) error {
		if _, ok := ts.actors[actorID]; !ok {
			return gatekeeper.NotFound("actor", tenantID, actorID)
		}
		if _, ok := ts.roles[roleID]; !ok {
			return gatekeeper.NotFound("role", tenantID, roleID)
		}
		delete(ts.members[actorID], roleID)
		return nil
	})
}

func (s *MemoryGrantStore) Grant(ctx context.Context, g gatekeeper.Grant) error {
	g.RoleID = ""
	if err := g.Validate(); err != nil {
		return err
	}
	return s.write(g.TenantID, func(ts *tenantState) error {
		if _, ok := ts.actors[g.ActorID]; !ok {
			return gatekeeper.NotFound("actor", g.TenantID, g.ActorID)
		}
		if _, ok := ts.catalog[g.Permission]; !ok {
			return gatekeeper.NotFound("permission", g.TenantID, g.Permission.String())
		}
		for _, existing := range ts.grants[g.ActorID] {
			if existing == g {
				return nil
			}
		}
		ts.grants[g.ActorID] = append(ts.grants[g.ActorID], g)
		return nil
	})
}

func (s *MemoryGrantStore) Revoke(ctx context.Context, g gatekeeper.Grant) error {
	g.RoleID = ""
	if err := g.Validate(); err != nil {
		return err
	}
	return s.write(g.TenantID, func(ts *tenantState) error {
		if _, ok := ts.actors[g.ActorID]; !ok {
			return gatekeeper.NotFound("actor", g.TenantID, g.ActorID)
		}
		list := ts.grants[g.ActorID]
		kept := list[:0:0]
		for _, existing := range list {
			if existing != g {
				kept = append(kept, existing)
			}
		}
		ts.grants[g.ActorID] = kept
		return nil
	})
}

// ============================================================================
// READS
// ============================================================================

func (s *MemoryGrantStore) Version(ctx context.Context, tenantID string) (uint64, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return 0, err
	}
	return ts.version.Load(), nil
}

func (s *MemoryGrantStore) GetActor(ctx context.Context, tenantID, actorID string) (*gatekeeper.Actor, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	a, ok := ts.actors[actorID]
	if !ok {
		return nil, gatekeeper.NotFound("actor", tenantID, actorID)
	}
	return cloneActor(a), nil
}

func (s *MemoryGrantStore) ListPermissions(ctx context.Context, tenantID string) ([]gatekeeper.Permission, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	out := make([]gatekeeper.Permission, 0, len(ts.catalog))
	for p := range ts.catalog {
		out = append(out, p)
	}
	ts.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryGrantStore) GetRoles(ctx context.Context, tenantID, actorID string) ([]string, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if _, ok := ts.actors[actorID]; !ok {
		return nil, gatekeeper.NotFound("actor", tenantID, actorID)
	}
	return sortedKeys(ts.members[actorID]), nil
}

func (s *MemoryGrantStore) GetDirectGrants(ctx context.Context, tenantID, actorID string) ([]gatekeeper.Grant, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if _, ok := ts.actors[actorID]; !ok {
		return nil, gatekeeper.NotFound("actor", tenantID, actorID)
	}
	return append([]gatekeeper.Grant(nil), ts.grants[actorID]...), nil
}

// GetRoleGrants materializes the role's own permissions as Global grants.
func (s *MemoryGrantStore) GetRoleGrants(ctx context.Context, tenantID, roleID string) ([]gatekeeper.Grant, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	r, ok := ts.roles[roleID]
	if !ok {
		return nil, gatekeeper.NotFound("role", tenantID, roleID)
	}
	return roleGrants(r), nil
}

func (s *MemoryGrantStore) GetRoleParents(ctx context.Context, tenantID, roleID string) ([]string, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	r, ok := ts.roles[roleID]
	if !ok {
		return nil, gatekeeper.NotFound("role", tenantID, roleID)
	}
	return append([]string(nil), r.Parents...), nil
}

func (s *MemoryGrantStore) ListRoles(ctx context.Context, tenantID string) ([]*gatekeeper.Role, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	out := make([]*gatekeeper.Role, 0, len(ts.roles))
	for _, r := range ts.roles {
		out = append(out, cloneRole(r))
	}
	ts.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func roleGrants(r *gatekeeper.Role) []gatekeeper.Grant {
	out := make([]gatekeeper.Grant, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		out = append(out, gatekeeper.Grant{TenantID: r.TenantID, RoleID: r.ID, Permission: p, Scope: gatekeeper.ScopeGlobal})
	}
	return out
}

// ============================================================================
// VERSION COUNTER
// ============================================================================

// MemoryVersionCounter is a process-local gatekeeper.VersionCounter.
type MemoryVersionCounter struct {
	counters sync.Map // tenant id -> *atomic.Uint64
}

func NewMemoryVersionCounter() *MemoryVersionCounter { return &MemoryVersionCounter{} }

func (c *MemoryVersionCounter) counter(tenantID string) *atomic.Uint64 {
	v, _ := c.counters.LoadOrStore(tenantID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (c *MemoryVersionCounter) Current(ctx context.Context, tenantID string) (uint64, error) {
	return c.counter(tenantID).Load(), nil
}

func (c *MemoryVersionCounter) Bump(ctx context.Context, tenantID string) (uint64, error) {
	return c.counter(tenantID).Add(1), nil
}

// ============================================================================
// AUDIT
// ============================================================================

// MemoryAuditSink keeps audit records in memory for testing/demo.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	records []gatekeeper.AuditRecord
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{records: make([]gatekeeper.AuditRecord, 0)}
}

var _ gatekeeper.AuditQuerier = (*MemoryAuditSink)(nil)

func (s *MemoryAuditSink) Record(ctx context.Context, rec gatekeeper.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Len returns how many records were delivered, duplicates included.
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryAuditSink) GetAccessLog(ctx context.Context, filter gatekeeper.AuditFilter) ([]gatekeeper.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]gatekeeper.AuditRecord, 0)
	for _, rec := range s.records {
		if filter.TenantID != "" && rec.TenantID != filter.TenantID {
			continue
		}
		if filter.ActorID != "" && rec.ActorID != filter.ActorID {
			continue
		}
		if filter.ResourceID != "" && rec.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		if !filter.StartTime.IsZero() && rec.RecordedAt.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && rec.RecordedAt.After(filter.EndTime) {
			continue
		}
		result = append(result, rec)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
