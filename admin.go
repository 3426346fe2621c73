package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// ADMINISTRATION
// ============================================================================

// The engine's mutators are the only way the tenant version advances. Each
// delegates to the store, which bumps the version before returning, so the
// next decision in the tenant resolves against fresh data. A store that
// reports ErrUnavailable may have committed without bumping; the engine then
// invalidates its cache.

func (e *Engine) CreateTenant(ctx context.Context, t Tenant) error {
	return e.mutate("create_tenant", t.ID, func() error { return e.store.CreateTenant(ctx, t) })
}

func (e *Engine) RegisterActor(ctx context.Context, a Actor) error {
	return e.mutate("register_actor", a.TenantID, func() error { return e.store.RegisterActor(ctx, a) }, "actor", a.ID)
}

func (e *Engine) DefinePermission(ctx context.Context, tenantID string, p Permission) error {
	return e.mutate("define_permission", tenantID, func() error { return e.store.DefinePermission(ctx, tenantID, p) }, "permission", p.String())
}

// DefineRole creates or replaces a role. It fails with ErrCycleDetected and
// leaves the graph unchanged when the parents would form a cycle.
func (e *Engine) DefineRole(ctx context.Context, r Role) error {
	return e.mutate("define_role", r.TenantID, func() error { return e.store.DefineRole(ctx, r) }, "role", r.ID)
}

func (e *Engine) AssignRole(ctx context.Context, tenantID, actorID, roleID string) error {
	return e.mutate("assign_role", tenantID, func() error { return e.store.AssignRole(ctx, tenantID, actorID, roleID) }, "actor", actorID, "role", roleID)
}

func (e *Engine) RevokeRole(ctx context.Context, tenantID, actorID, roleID string) error {
	return e.mutate("revoke_role", tenantID, func() error { return e.store.RevokeRole(ctx, tenantID, actorID, roleID) }, "actor", actorID, "role", roleID)
}

func (e *Engine) Grant(ctx context.Context, g Grant) error {
	return e.mutate("grant", g.TenantID, func() error { return e.store.Grant(ctx, g) }, "actor", g.ActorID, "permission", g.Permission.String(), "scope", string(g.Scope))
}

func (e *Engine) Revoke(ctx context.Context, g Grant) error {
	return e.mutate("revoke", g.TenantID, func() error { return e.store.Revoke(ctx, g) }, "actor", g.ActorID, "permission", g.Permission.String(), "scope", string(g.Scope))
}

// ListRoles returns the tenant's role definitions.
func (e *Engine) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return e.store.ListRoles(ctx, tenantID)
}

func (e *Engine) mutate(op, tenantID string, fn func() error, keyvals ...any) error {
	err := fn()
	e.metrics.mutation(op, err)
	fields := append([]any{"op", op, "tenant", tenantID}, keyvals...)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			// the change may have committed without its version bump
			e.cache.Invalidate()
			e.logger.Warn("permission cache invalidated", fields...)
		}
		e.logger.Warn("mutation rejected", append(fields, "error", err)...)
		return err
	}
	e.logger.Info("mutation applied", fields...)
	return nil
}

// ============================================================================
// REQUEST PARSING
// ============================================================================

// DecideRequest is the serialized form of a decision question, used by the
// CLI and by hosts that accept questions over the wire.
type DecideRequest struct {
	Tenant   string `json:"tenant" yaml:"tenant"`
	ActorID  string `json:"actor_id" yaml:"actor_id"`
	Action   string `json:"action" yaml:"action"`
	Resource string `json:"resource" yaml:"resource"` // format: type or type:id
	OwnerID  string `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	Unit     string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Status   string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Parse splits the request into the arguments Decide takes.
func (r DecideRequest) Parse() (resourceType string, res ResourceSnapshot, err error) {
	if r.Tenant == "" || r.ActorID == "" || r.Action == "" || r.Resource == "" {
		return "", res, fmt.Errorf("%w: tenant, actor_id, action and resource are required", ErrInvalidArgument)
	}
	resourceType = r.Resource
	if idx := strings.Index(r.Resource, ":"); idx != -1 {
		resourceType = r.Resource[:idx]
		res.ID = r.Resource[idx+1:]
	}
	res.OwnerID = r.OwnerID
	res.Unit = r.Unit
	res.Status = r.Status
	return resourceType, res, nil
}

// DecideRequest answers a parsed request.
func (e *Engine) DecideRequest(ctx context.Context, req DecideRequest) (Decision, error) {
	resourceType, res, err := req.Parse()
	if err != nil {
		return deny(ReasonDeniedConfigurationError, ""), err
	}
	return e.Decide(ctx, req.Tenant, req.ActorID, Action(req.Action), resourceType, res)
}

// ExplainRequest explains a parsed request.
func (e *Engine) ExplainRequest(ctx context.Context, req DecideRequest) (Explanation, error) {
	resourceType, res, err := req.Parse()
	if err != nil {
		return Explanation{}, err
	}
	return e.Explain(ctx, req.Tenant, req.ActorID, Action(req.Action), resourceType, res)
}
