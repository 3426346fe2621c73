package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents a complete gatekeeper seed: tenants with their catalog,
// roles and actors, the rule declarations and engine settings.
type Config struct {
	Version uint16         `json:"version" yaml:"version"`
	Tenants []TenantConfig `json:"tenants" yaml:"tenants" validate:"dive"`
	Rules   []RuleSpec     `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`
	Engine  EngineConfig   `json:"engine" yaml:"engine"`
}

type TenantConfig struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	Name        string        `json:"name" yaml:"name"`
	Permissions []string      `json:"permissions" yaml:"permissions" validate:"dive,required"` // action:resource_type
	Roles       []RoleConfig  `json:"roles,omitempty" yaml:"roles,omitempty" validate:"dive"`
	Actors      []ActorConfig `json:"actors,omitempty" yaml:"actors,omitempty" validate:"dive"`
}

type RoleConfig struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Parents     []string `json:"parents,omitempty" yaml:"parents,omitempty" validate:"dive,required"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty" validate:"dive,required"`
}

type ActorConfig struct {
	ID     string            `json:"id" yaml:"id" validate:"required"`
	Unit   string            `json:"unit,omitempty" yaml:"unit,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Roles  []string          `json:"roles,omitempty" yaml:"roles,omitempty" validate:"dive,required"`
	Grants []GrantConfig     `json:"grants,omitempty" yaml:"grants,omitempty" validate:"dive"`
}

type GrantConfig struct {
	Permission string `json:"permission" yaml:"permission" validate:"required"`
	Scope      string `json:"scope,omitempty" yaml:"scope,omitempty" validate:"omitempty,oneof=global resource_type resource_id"`
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty" validate:"required_if=Scope resource_id"`
}

type EngineConfig struct {
	CacheNumCounters   int64  `json:"cache_num_counters" yaml:"cache_num_counters" validate:"gte=0"`
	CacheMaxCost       int64  `json:"cache_max_cost" yaml:"cache_max_cost" validate:"gte=0"`
	CacheBufferItems   int64  `json:"cache_buffer_items" yaml:"cache_buffer_items" validate:"gte=0"`
	CacheTTL           int64  `json:"cache_ttl_ms" yaml:"cache_ttl_ms" validate:"gte=0"`
	AuditQueueSize     int    `json:"audit_queue_size" yaml:"audit_queue_size" validate:"gte=0"`
	AuditMaxAttempts   int    `json:"audit_max_attempts" yaml:"audit_max_attempts" validate:"gte=0"`
	AuditRetryBackoff  int64  `json:"audit_retry_backoff_ms" yaml:"audit_retry_backoff_ms" validate:"gte=0"`
	AuditMaxBacklog    int    `json:"audit_max_backlog" yaml:"audit_max_backlog" validate:"gte=0"`
	MaxRolesPerResolve int    `json:"max_roles_per_resolve" yaml:"max_roles_per_resolve" validate:"gte=0"`
	MetricsNamespace   string `json:"metrics_namespace,omitempty" yaml:"metrics_namespace,omitempty"`
}

// Options turns the settings into engine options. Zero values keep the
// defaults.
func (c EngineConfig) Options() []EngineOption {
	opts := []EngineOption{
		WithCacheConfig(CacheConfig{
			NumCounters: c.CacheNumCounters,
			MaxCost:     c.CacheMaxCost,
			BufferItems: c.CacheBufferItems,
			TTL:         time.Duration(c.CacheTTL) * time.Millisecond,
		}),
		WithAuditOptions(AuditOptions{
			QueueSize:    c.AuditQueueSize,
			MaxAttempts:  c.AuditMaxAttempts,
			RetryBackoff: time.Duration(c.AuditRetryBackoff) * time.Millisecond,
			MaxBacklog:   c.AuditMaxBacklog,
		}),
	}
	if c.MaxRolesPerResolve > 0 {
		opts = append(opts, WithMaxRoles(c.MaxRolesPerResolve))
	}
	return opts
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct {
	validate *validator.Validate
}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{validate: validator.New()}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidArgument, err)
	}
	return cfg, l.Validate(cfg)
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrInvalidArgument, err)
	}
	return cfg, l.Validate(cfg)
}

// LoadFile picks the decoder from the file extension; anything that is not
// .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// Validate checks struct tags, permission syntax, role references and role
// acyclicity without touching any store.
func (l *ConfigLoader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	seen := make(map[string]bool, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		if seen[t.ID] {
			return fmt.Errorf("%w: tenant %s declared twice", ErrInvalidArgument, t.ID)
		}
		seen[t.ID] = true
		if err := validateTenantConfig(t); err != nil {
			return err
		}
	}
	for _, r := range cfg.Rules {
		if _, err := r.Build(); err != nil {
			return err
		}
	}
	return nil
}

func validateTenantConfig(t TenantConfig) error {
	catalog := make(PermissionSet, len(t.Permissions))
	for _, s := range t.Permissions {
		p, err := ParsePermission(s)
		if err != nil {
			return err
		}
		catalog.Add(p)
	}
	inCatalog := func(s string) error {
		p, err := ParsePermission(s)
		if err != nil {
			return err
		}
		if !catalog.Has(p) {
			return fmt.Errorf("%w: permission %s not in tenant %s catalog", ErrNotFound, s, t.ID)
		}
		return nil
	}
	roles := make(map[string]bool, len(t.Roles))
	for _, r := range t.Roles {
		roles[r.ID] = true
		for _, s := range r.Permissions {
			if err := inCatalog(s); err != nil {
				return err
			}
		}
	}
	for _, r := range t.Roles {
		for _, p := range r.Parents {
			if !roles[p] {
				return NotFound("role", t.ID, p)
			}
		}
	}
	if _, err := roleOrder(t.ID, t.Roles); err != nil {
		return err
	}
	for _, a := range t.Actors {
		for _, r := range a.Roles {
			if !roles[r] {
				return NotFound("role", t.ID, r)
			}
		}
		for _, g := range a.Grants {
			if err := inCatalog(g.Permission); err != nil {
				return err
			}
		}
	}
	return nil
}

// roleOrder sorts roles so every parent comes before its children.
func roleOrder(tenantID string, roles []RoleConfig) ([]RoleConfig, error) {
	byID := make(map[string]RoleConfig, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(roles))
	out := make([]RoleConfig, 0, len(roles))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: role %s/%s", ErrCycleDetected, tenantID, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, p := range byID[id].Parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		state[id] = done
		out = append(out, byID[id])
		return nil
	}
	for _, r := range roles {
		if err := visit(r.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig registers the declared rules and writes every tenant through
// the engine's administration API. Applying the same config twice is
// harmless: every write is an upsert and rules already registered under the
// same id are kept.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := NewConfigLoader().Validate(cfg); err != nil {
		return err
	}
	for _, spec := range cfg.Rules {
		if e.hasRule(spec.ResourceType, spec.ID) {
			continue
		}
		fn, err := spec.Build()
		if err != nil {
			return err
		}
		if err := e.rules.Register(spec.ResourceType, spec.ID, fn); err != nil {
			return fmt.Errorf("register rule %s: %w", spec.ID, err)
		}
	}
	for _, t := range cfg.Tenants {
		if err := e.applyTenant(ctx, t); err != nil {
			return fmt.Errorf("apply tenant %s: %w", t.ID, err)
		}
	}
	return nil
}

func (e *Engine) hasRule(resourceType, id string) bool {
	for _, r := range e.rules.Rules(resourceType) {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (e *Engine) applyTenant(ctx context.Context, t TenantConfig) error {
	if err := e.CreateTenant(ctx, Tenant{ID: t.ID, Name: t.Name}); err != nil {
		return err
	}
	for _, s := range t.Permissions {
		p, _ := ParsePermission(s)
		if err := e.DefinePermission(ctx, t.ID, p); err != nil {
			return err
		}
	}
	ordered, err := roleOrder(t.ID, t.Roles)
	if err != nil {
		return err
	}
	for _, rc := range ordered {
		b := NewRoleBuilder(t.ID, rc.ID).Parents(rc.Parents...)
		if rc.Name != "" {
			b.Name(rc.Name)
		}
		for _, s := range rc.Permissions {
			p, _ := ParsePermission(s)
			b.Permission(p.Action, p.ResourceType)
		}
		if err := e.DefineRole(ctx, b.Build()); err != nil {
			return fmt.Errorf("define role %s: %w", rc.ID, err)
		}
	}
	for _, ac := range t.Actors {
		if err := e.RegisterActor(ctx, Actor{ID: ac.ID, TenantID: t.ID, Unit: ac.Unit, Attrs: ac.Attrs}); err != nil {
			return err
		}
		for _, r := range ac.Roles {
			if err := e.AssignRole(ctx, t.ID, ac.ID, r); err != nil {
				return fmt.Errorf("assign role %s to %s: %w", r, ac.ID, err)
			}
		}
		for _, gc := range ac.Grants {
			g, err := gc.toGrant(t.ID, ac.ID)
			if err != nil {
				return err
			}
			if err := e.Grant(ctx, g); err != nil {
				return fmt.Errorf("grant %s to %s: %w", gc.Permission, ac.ID, err)
			}
		}
	}
	return nil
}

func (gc GrantConfig) toGrant(tenantID, actorID string) (Grant, error) {
	p, err := ParsePermission(gc.Permission)
	if err != nil {
		return Grant{}, err
	}
	b := NewGrantBuilder(tenantID, actorID).Permission(p.Action, p.ResourceType)
	switch Scope(gc.Scope) {
	case ScopeGlobal:
		b.Global()
	case ScopeResourceID:
		b.OnResource(gc.ResourceID)
	}
	return b.Build(), nil
}
