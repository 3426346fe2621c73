package gatekeeper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Action is the verb an actor wants to perform, e.g. "update".
type Action string

// Tenant is the isolation boundary every other object belongs to.
type Tenant struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Actor represents who is requesting access
type Actor struct {
	ID       string            `json:"id" yaml:"id"`
	TenantID string            `json:"tenant_id" yaml:"tenant_id"`
	Unit     string            `json:"unit" yaml:"unit"` // organizational unit
	Attrs    map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Permission is an (action, resource type) pair from a tenant's catalog.
type Permission struct {
	Action       Action `json:"action" yaml:"action"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
}

// String renders the permission as "action:resource_type".
func (p Permission) String() string {
	return string(p.Action) + ":" + p.ResourceType
}

// ParsePermission parses the "action:resource_type" form.
func ParsePermission(s string) (Permission, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Permission{}, fmt.Errorf("%w: permission %q must be action:resource_type", ErrInvalidArgument, s)
	}
	return Permission{Action: Action(s[:idx]), ResourceType: s[idx+1:]}, nil
}

// Scope narrows what a grant applies to.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeResourceType Scope = "resource_type"
	ScopeResourceID   Scope = "resource_id"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeResourceType, ScopeResourceID:
		return true
	}
	return false
}

// Grant associates a permission with an actor. Role-derived grants are
// materialized on read and carry the RoleID they came from.
type Grant struct {
	TenantID   string     `json:"tenant_id" yaml:"tenant_id"`
	ActorID    string     `json:"actor_id,omitempty" yaml:"actor_id,omitempty"`
	RoleID     string     `json:"role_id,omitempty" yaml:"role_id,omitempty"`
	Permission Permission `json:"permission" yaml:"permission"`
	Scope      Scope      `json:"scope" yaml:"scope"`
	ResourceID string     `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
}

// Validate checks the structural shape of a direct grant.
func (g Grant) Validate() error {
	if g.TenantID == "" || g.ActorID == "" {
		return fmt.Errorf("%w: grant requires tenant and actor", ErrInvalidArgument)
	}
	if g.Permission.Action == "" || g.Permission.ResourceType == "" {
		return fmt.Errorf("%w: grant requires a permission", ErrInvalidArgument)
	}
	if !g.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidArgument, g.Scope)
	}
	if g.Scope == ScopeResourceID && g.ResourceID == "" {
		return fmt.Errorf("%w: resource_id scope requires a resource id", ErrInvalidArgument)
	}
	if g.Scope != ScopeResourceID && g.ResourceID != "" {
		return fmt.Errorf("%w: resource id only allowed with resource_id scope", ErrInvalidArgument)
	}
	return nil
}

// Role is a named bundle of permissions with ordered parent roles.
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	TenantID    string       `json:"tenant_id" yaml:"tenant_id"`
	Name        string       `json:"name" yaml:"name"`
	Parents     []string     `json:"parents,omitempty" yaml:"parents,omitempty"`
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// ResourceSnapshot is the minimal read-only projection of a domain entity
// supplied by the caller.
type ResourceSnapshot struct {
	ID      string            `json:"id"`
	OwnerID string            `json:"owner_id"`
	Unit    string            `json:"unit"`
	Status  string            `json:"status"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// PermissionSet is a set of permissions.
type PermissionSet map[Permission]struct{}

// Has reports membership.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Add inserts every given permission.
func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		s[p] = struct{}{}
	}
}

// Sorted returns the permissions ordered by their string form.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ============================================================================
// DECISIONS
// ============================================================================

// Outcome is the final verdict.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Reason explains an outcome.
type Reason string

const (
	ReasonGrantedByRole                   Reason = "GrantedByRole"
	ReasonGrantedByDirectGrant            Reason = "GrantedByDirectGrant"
	ReasonGrantedByRule                   Reason = "GrantedByRule"
	ReasonDeniedByRule                    Reason = "DeniedByRule"
	ReasonDeniedNoGrant                   Reason = "DeniedNoGrant"
	ReasonDeniedConfigurationError        Reason = "DeniedConfigurationError"
	ReasonDeniedInfrastructureUnavailable Reason = "DeniedInfrastructureUnavailable"
)

// Decision is the engine's verdict. It is a value type; callers receive
// copies and cannot alter what was audited.
type Decision struct {
	Outcome     Outcome   `json:"outcome"`
	Reason      Reason    `json:"reason"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	Version     uint64    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// Allowed reports whether the outcome is allow.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Code renders the reason code, e.g. "DeniedByRule:ownerUnit-check".
func (d Decision) Code() string {
	if d.MatchedRule != "" {
		return string(d.Reason) + ":" + d.MatchedRule
	}
	return string(d.Reason)
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (%s)", d.Outcome, d.Code())
}

func allow(reason Reason, rule string) Decision {
	return Decision{Outcome: OutcomeAllow, Reason: reason, MatchedRule: rule}
}

func deny(reason Reason, rule string) Decision {
	return Decision{Outcome: OutcomeDeny, Reason: reason, MatchedRule: rule}
}
