package gatekeeper

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Tenants: []TenantConfig{},
			Rules:   []RuleSpec{},
			Engine: EngineConfig{
				CacheNumCounters:  DefaultCacheConfig().NumCounters,
				CacheMaxCost:      DefaultCacheConfig().MaxCost,
				CacheBufferItems:  DefaultCacheConfig().BufferItems,
				AuditQueueSize:    DefaultAuditOptions().QueueSize,
				AuditMaxAttempts:  DefaultAuditOptions().MaxAttempts,
				AuditRetryBackoff: DefaultAuditOptions().RetryBackoff.Milliseconds(),
				AuditMaxBacklog:   DefaultAuditOptions().MaxBacklog,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// tenant returns the named tenant, adding it when missing.
func (b *ConfigBuilder) tenant(id string) *TenantConfig {
	for i := range b.cfg.Tenants {
		if b.cfg.Tenants[i].ID == id {
			return &b.cfg.Tenants[i]
		}
	}
	b.cfg.Tenants = append(b.cfg.Tenants, TenantConfig{ID: id})
	return &b.cfg.Tenants[len(b.cfg.Tenants)-1]
}

func (b *ConfigBuilder) AddTenant(id, name string) *ConfigBuilder {
	b.tenant(id).Name = name
	return b
}

// AddPermissions extends the tenant catalog; permissions use the
// "action:resource_type" form.
func (b *ConfigBuilder) AddPermissions(tenantID string, perms ...string) *ConfigBuilder {
	t := b.tenant(tenantID)
	t.Permissions = append(t.Permissions, perms...)
	return b
}

func (b *ConfigBuilder) AddRole(tenantID string, r RoleConfig) *ConfigBuilder {
	t := b.tenant(tenantID)
	t.Roles = append(t.Roles, r)
	return b
}

func (b *ConfigBuilder) AddActor(tenantID string, a ActorConfig) *ConfigBuilder {
	t := b.tenant(tenantID)
	t.Actors = append(t.Actors, a)
	return b
}

func (b *ConfigBuilder) AddRule(r RuleSpec) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, r)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// RoleConfigBuilder builds a RoleConfig
type RoleConfigBuilder struct {
	r RoleConfig
}

func NewRoleConfig(id, name string) *RoleConfigBuilder {
	return &RoleConfigBuilder{r: RoleConfig{ID: id, Name: name}}
}

func (r *RoleConfigBuilder) AddPermission(action, resourceType string) *RoleConfigBuilder {
	r.r.Permissions = append(r.r.Permissions, Permission{Action: Action(action), ResourceType: resourceType}.String())
	return r
}

func (r *RoleConfigBuilder) Inherits(roleIDs ...string) *RoleConfigBuilder {
	r.r.Parents = append(r.r.Parents, roleIDs...)
	return r
}

func (r *RoleConfigBuilder) Build() RoleConfig {
	return r.r
}
