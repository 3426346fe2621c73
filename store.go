package gatekeeper

import "context"

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// GrantReader is the read half of the grant store. Every lookup is scoped by
// tenant id; implementations key all data by (tenant, id).
type GrantReader interface {
	// Version returns the tenant's permission-set version. It only moves
	// forward and is bumped as the last step of every successful mutation.
	Version(ctx context.Context, tenantID string) (uint64, error)
	GetActor(ctx context.Context, tenantID, actorID string) (*Actor, error)
	// ListPermissions returns the tenant's permission catalog.
	ListPermissions(ctx context.Context, tenantID string) ([]Permission, error)
	GetRoles(ctx context.Context, tenantID, actorID string) ([]string, error)
	GetDirectGrants(ctx context.Context, tenantID, actorID string) ([]Grant, error)
	GetRoleGrants(ctx context.Context, tenantID, roleID string) ([]Grant, error)
	GetRoleParents(ctx context.Context, tenantID, roleID string) ([]string, error)
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
}

// GrantWriter is the administration half of the grant store. Mutators return
// ErrNotFound for unknown keys and bump the tenant version before returning.
type GrantWriter interface {
	CreateTenant(ctx context.Context, t Tenant) error
	RegisterActor(ctx context.Context, a Actor) error
	DefinePermission(ctx context.Context, tenantID string, p Permission) error
	DefineRole(ctx context.Context, r Role) error
	AssignRole(ctx context.Context, tenantID, actorID, roleID string) error
	RevokeRole(ctx context.Context, tenantID, actorID, roleID string) error
	Grant(ctx context.Context, g Grant) error
	Revoke(ctx context.Context, g Grant) error
}

// GrantStore is the durable source of truth for grants and roles.
type GrantStore interface {
	GrantReader
	GrantWriter
}

// VersionCounter holds per-tenant monotonic counters. Stores that cannot
// increment atomically themselves delegate to one.
type VersionCounter interface {
	Current(ctx context.Context, tenantID string) (uint64, error)
	Bump(ctx context.Context, tenantID string) (uint64, error)
}

// RoleGraph is the parent adjacency of one tenant's roles.
type RoleGraph map[string][]string

// WouldCycle reports whether giving roleID the parents would create a cycle,
// i.e. whether roleID is reachable from any of the new parents.
func (g RoleGraph) WouldCycle(roleID string, parents []string) bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), parents...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == roleID {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, g[cur]...)
	}
	return false
}
