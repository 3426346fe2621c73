package gatekeeper

import "fmt"

// Builders provide a fluent API for creating Roles, Grants and common rules

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(tenantID, id string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: id, TenantID: tenantID, Name: id}}
}
func (b *RoleBuilder) Name(n string) *RoleBuilder { b.r.Name = n; return b }
func (b *RoleBuilder) Parents(ids ...string) *RoleBuilder {
	b.r.Parents = append(b.r.Parents, ids...)
	return b
}
func (b *RoleBuilder) Permission(action Action, resourceType string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, Permission{Action: action, ResourceType: resourceType})
	return b
}
func (b *RoleBuilder) Build() Role { return *b.r }

// GrantBuilder builds a direct Grant
type GrantBuilder struct {
	g Grant
}

func NewGrantBuilder(tenantID, actorID string) *GrantBuilder {
	return &GrantBuilder{g: Grant{TenantID: tenantID, ActorID: actorID, Scope: ScopeResourceType}}
}
func (b *GrantBuilder) Permission(action Action, resourceType string) *GrantBuilder {
	b.g.Permission = Permission{Action: action, ResourceType: resourceType}
	return b
}
func (b *GrantBuilder) Global() *GrantBuilder { b.g.Scope = ScopeGlobal; b.g.ResourceID = ""; return b }
func (b *GrantBuilder) OnResource(id string) *GrantBuilder {
	b.g.Scope = ScopeResourceID
	b.g.ResourceID = id
	return b
}
func (b *GrantBuilder) Build() Grant { return b.g }

// ============================================================================
// BUILT-IN RULES
// ============================================================================

func actionMatches(actions []Action, action Action) bool {
	if len(actions) == 0 {
		return true
	}
	for _, a := range actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// SameUnitRule denies the given actions when the resource belongs to a unit
// other than the actor's. It abstains otherwise, leaving the decision to the
// permission check.
func SameUnitRule(actions ...Action) RuleFunc {
	return func(actor Actor, action Action, res ResourceSnapshot) RuleEffect {
		if !actionMatches(actions, action) {
			return Abstain
		}
		if res.Unit != actor.Unit {
			return Deny
		}
		return Abstain
	}
}

// OwnerRule allows the given actions on resources the actor owns.
func OwnerRule(actions ...Action) RuleFunc {
	return func(actor Actor, action Action, res ResourceSnapshot) RuleEffect {
		if actionMatches(actions, action) && res.OwnerID != "" && res.OwnerID == actor.ID {
			return Allow
		}
		return Abstain
	}
}

// StatusRule denies the given actions while the resource is in one of the
// listed statuses, e.g. updates to posted invoices.
func StatusRule(actions []Action, statuses ...string) RuleFunc {
	blocked := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		blocked[s] = struct{}{}
	}
	return func(_ Actor, action Action, res ResourceSnapshot) RuleEffect {
		if !actionMatches(actions, action) {
			return Abstain
		}
		if _, ok := blocked[res.Status]; ok {
			return Deny
		}
		return Abstain
	}
}

// Rule kinds accepted in configuration.
const (
	RuleKindSameUnit = "same_unit"
	RuleKindOwner    = "owner"
	RuleKindStatus   = "status"
)

// RuleSpec declares a built-in rule in configuration.
type RuleSpec struct {
	ID           string   `json:"id" yaml:"id" validate:"required"`
	ResourceType string   `json:"resource_type" yaml:"resource_type" validate:"required"`
	Kind         string   `json:"kind" yaml:"kind" validate:"required,oneof=same_unit owner status"`
	Actions      []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Statuses     []string `json:"statuses,omitempty" yaml:"statuses,omitempty"`
}

// Build turns the declaration into a RuleFunc.
func (s RuleSpec) Build() (RuleFunc, error) {
	switch s.Kind {
	case RuleKindSameUnit:
		return SameUnitRule(s.Actions...), nil
	case RuleKindOwner:
		return OwnerRule(s.Actions...), nil
	case RuleKindStatus:
		if len(s.Statuses) == 0 {
			return nil, fmt.Errorf("%w: status rule %s needs statuses", ErrInvalidArgument, s.ID)
		}
		return StatusRule(s.Actions, s.Statuses...), nil
	}
	return nil, fmt.Errorf("%w: unknown rule kind %q", ErrInvalidArgument, s.Kind)
}
