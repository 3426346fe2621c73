package gatekeeper

import (
	"context"
	"fmt"
)

// DefaultMaxRoles bounds how many roles a single resolution may visit.
const DefaultMaxRoles = 1024

// Resolver expands a role into its transitive permission set by walking the
// parent graph breadth-first.
type Resolver struct {
	store    GrantReader
	cache    *PermissionCache
	maxRoles int
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(store GrantReader, cache *PermissionCache) *Resolver {
	return &Resolver{store: store, cache: cache, maxRoles: DefaultMaxRoles}
}

// ResolveEffectivePermissions returns the union of the role's own
// permissions and those of every ancestor role at the tenant's current
// version.
func (r *Resolver) ResolveEffectivePermissions(ctx context.Context, tenantID, roleID string) (PermissionSet, error) {
	version, err := r.store.Version(ctx, tenantID)
	if err != nil {
		return nil, wrapReadErr("read version", err)
	}
	return r.resolveAt(ctx, tenantID, roleID, r.cache.stamp(version))
}

func (r *Resolver) resolveAt(ctx context.Context, tenantID, roleID string, st cacheStamp) (PermissionSet, error) {
	if r.cache != nil {
		if set, ok := r.cache.getRole(tenantID, roleID, st); ok {
			return set, nil
		}
	}
	set, err := r.walk(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.setRole(tenantID, roleID, st, set)
	}
	return set, nil
}

func (r *Resolver) walk(ctx context.Context, tenantID, roleID string) (PermissionSet, error) {
	set := make(PermissionSet)
	edges := make(RoleGraph)
	visited := map[string]bool{roleID: true}
	queue := []string{roleID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		grants, err := r.store.GetRoleGrants(ctx, tenantID, cur)
		if err != nil {
			return nil, wrapReadErr("role grants", err)
		}
		for _, g := range grants {
			set.Add(g.Permission)
		}
		parents, err := r.store.GetRoleParents(ctx, tenantID, cur)
		if err != nil {
			return nil, wrapReadErr("role parents", err)
		}
		edges[cur] = parents
		for _, p := range parents {
			if visited[p] {
				continue
			}
			visited[p] = true
			if len(visited) > r.maxRoles {
				return nil, fmt.Errorf("%w: role %s expands past %d roles", ErrConfiguration, roleID, r.maxRoles)
			}
			queue = append(queue, p)
		}
	}
	if hasCycle(edges, roleID) {
		return nil, fmt.Errorf("%w: reachable from role %s/%s", ErrCycleDetected, tenantID, roleID)
	}
	return set, nil
}

// hasCycle runs a colored depth-first search over the subgraph collected
// during the walk. Diamonds (two paths to one ancestor) are not cycles.
func hasCycle(g RoleGraph, root string) bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g))
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		for _, p := range g[n] {
			switch color[p] {
			case grey:
				return true
			case white:
				if visit(p) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	return visit(root)
}

// wrapReadErr keeps domain errors as they are and marks everything else as
// an infrastructure fault.
func wrapReadErr(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	return Unavailable(op, err)
}
