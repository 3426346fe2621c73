package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

const tracerName = "github.com/oarkflow/gatekeeper"

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// Engine composes the grant store, resolver, rule set and cache into
// allow/deny decisions.
type Engine struct {
	store    GrantStore
	rules    *RuleSet
	resolver *Resolver
	cache    *PermissionCache
	audit    *AuditDispatcher
	sink     AuditSink

	cacheCfg  CacheConfig
	auditOpts AuditOptions
	maxRoles  int

	logger  logger.Logger
	metrics *Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	loads singleflight.Group
}

// NewEngine builds an engine over store. Decisions are delivered to sink on
// a background worker; a nil sink logs them.
func NewEngine(store GrantStore, sink AuditSink, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: engine requires a grant store", ErrInvalidArgument)
	}
	e := &Engine{
		store:     store,
		sink:      sink,
		cacheCfg:  DefaultCacheConfig(),
		auditOpts: DefaultAuditOptions(),
		maxRoles:  DefaultMaxRoles,
		logger:    logger.NewNullLogger(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.rules == nil {
		e.rules = NewRuleSet()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.sink == nil {
		e.sink = NewLogAuditSink(e.logger)
	}
	cache, err := NewPermissionCache(e.cacheCfg)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	e.resolver = NewResolver(store, cache)
	e.resolver.maxRoles = e.maxRoles
	e.audit = NewAuditDispatcher(e.sink, e.auditOpts, e.logger, e.metrics)
	return e, nil
}

// WithMetrics reports decisions, cache lookups and audit delivery to m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithClock replaces time.Now for decision timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidArgument)
		}
		e.clock = now
		return nil
	}
}

// WithCacheConfig sizes the permission cache.
func WithCacheConfig(cfg CacheConfig) EngineOption {
	return func(e *Engine) error {
		e.cacheCfg = cfg
		return nil
	}
}

// WithRuleSet shares a rule set between engines.
func WithRuleSet(rs *RuleSet) EngineOption {
	return func(e *Engine) error {
		e.rules = rs
		return nil
	}
}

// WithAuditOptions tunes the audit dispatcher.
func WithAuditOptions(o AuditOptions) EngineOption {
	return func(e *Engine) error {
		e.auditOpts = o
		return nil
	}
}

// WithMaxRoles bounds the number of roles one resolution may visit.
func WithMaxRoles(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("%w: max roles must be positive", ErrInvalidArgument)
		}
		e.maxRoles = n
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer; the global provider is used
// otherwise.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) error {
		e.tracer = t
		return nil
	}
}

// Rules exposes the rule registry for registration.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Cache exposes the permission cache, mainly for stats.
func (e *Engine) Cache() *PermissionCache { return e.cache }

// Store returns the underlying grant store.
func (e *Engine) Store() GrantStore { return e.store }

// Close flushes pending audit records and releases the cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.audit.Close(ctx)
	e.cache.Close()
	return err
}

// ============================================================================
// DECISIONS
// ============================================================================

// resolution is everything the Resolving step produces for one actor.
type resolution struct {
	version uint64
	catalog PermissionSet
	actor   *actorPermissions
	// resource id -> ResourceId scoped grants on it
	byResource map[string][]Grant
}

// explainer collects Explain steps. A nil explainer records nothing.
type explainer struct {
	steps []string
}

func (x *explainer) add(format string, args ...any) {
	if x != nil {
		x.steps = append(x.steps, fmt.Sprintf(format, args...))
	}
}

// Decide answers whether actorID may perform action on a resource of
// resourceType described by res. Authorization outcomes are never errors;
// a non-nil error means the store or cache backend failed, and the returned
// decision is then a Deny.
func (e *Engine) Decide(ctx context.Context, tenantID, actorID string, action Action, resourceType string, res ResourceSnapshot) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.Decide", trace.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("actor", actorID),
		attribute.String("action", string(action)),
		attribute.String("resource_type", resourceType),
	))
	defer span.End()

	d, err := e.decideOne(ctx, tenantID, actorID, action, resourceType, res, nil)
	e.finish(tenantID, actorID, action, resourceType, res.ID, d)
	endSpan(span, d, err)
	return d, err
}

// DecideMany checks one action against many resources of the same type for
// a single actor. The actor's permissions and direct grants are fetched once
// for the whole batch.
func (e *Engine) DecideMany(ctx context.Context, tenantID, actorID string, action Action, resourceType string, resources []ResourceSnapshot) ([]Decision, error) {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.DecideMany", trace.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("actor", actorID),
		attribute.String("action", string(action)),
		attribute.String("resource_type", resourceType),
		attribute.Int("resources", len(resources)),
	))
	defer span.End()

	out := make([]Decision, len(resources))
	needGrants := false
	for _, r := range resources {
		if r.ID != "" {
			needGrants = true
			break
		}
	}
	rs, err := e.resolve(ctx, tenantID, actorID, needGrants, nil)
	if err != nil {
		d, ferr := e.failure(tenantID, actorID, err)
		for i, r := range resources {
			out[i] = d
			e.finish(tenantID, actorID, action, resourceType, r.ID, d)
		}
		endSpan(span, d, ferr)
		return out, ferr
	}
	allowed := 0
	for i, r := range resources {
		out[i] = e.evaluate(tenantID, actorID, action, resourceType, r, rs, nil)
		e.finish(tenantID, actorID, action, resourceType, r.ID, out[i])
		if out[i].Allowed() {
			allowed++
		}
	}
	span.SetAttributes(
		attribute.Int("allowed", allowed),
		attribute.Int("denied", len(out)-allowed),
		attribute.Int64("version", int64(rs.version)),
	)
	return out, nil
}

// Explanation is a decision plus the ordered steps that produced it.
type Explanation struct {
	Decision Decision `json:"decision"`
	Trace    []string `json:"trace"`
}

// Explain evaluates like Decide and also returns the evaluation steps.
// Explanations are not audited.
func (e *Engine) Explain(ctx context.Context, tenantID, actorID string, action Action, resourceType string, res ResourceSnapshot) (Explanation, error) {
	x := &explainer{}
	d, err := e.decideOne(ctx, tenantID, actorID, action, resourceType, res, x)
	x.add("decided %s", d)
	return Explanation{Decision: d, Trace: x.steps}, err
}

func (e *Engine) decideOne(ctx context.Context, tenantID, actorID string, action Action, resourceType string, res ResourceSnapshot, x *explainer) (Decision, error) {
	rs, err := e.resolve(ctx, tenantID, actorID, res.ID != "", x)
	if err != nil {
		x.add("resolution failed: %v", err)
		return e.failure(tenantID, actorID, err)
	}
	return e.evaluate(tenantID, actorID, action, resourceType, res, rs, x), nil
}

// resolve is the Resolving step: tenant version, permission catalog, cached
// actor permissions and, when asked, the actor's ResourceId scoped grants.
func (e *Engine) resolve(ctx context.Context, tenantID, actorID string, withResourceGrants bool, x *explainer) (*resolution, error) {
	version, err := e.store.Version(ctx, tenantID)
	if err != nil {
		return nil, wrapReadErr("read version", err)
	}
	x.add("tenant %s at version %d", tenantID, version)
	st := e.cache.stamp(version)
	catalog, err := e.loadCatalog(ctx, tenantID, st)
	if err != nil {
		return nil, err
	}
	ap, err := e.loadActor(ctx, tenantID, actorID, st)
	if err != nil {
		return nil, err
	}
	x.add("actor %s holds %d permissions", actorID, len(ap.perms))
	rs := &resolution{version: version, catalog: catalog, actor: ap}
	if withResourceGrants {
		grants, err := e.store.GetDirectGrants(ctx, tenantID, actorID)
		if err != nil {
			return nil, wrapReadErr("direct grants", err)
		}
		for _, g := range grants {
			if g.Scope != ScopeResourceID {
				continue
			}
			if rs.byResource == nil {
				rs.byResource = make(map[string][]Grant)
			}
			rs.byResource[g.ResourceID] = append(rs.byResource[g.ResourceID], g)
		}
	}
	return rs, nil
}

func (e *Engine) loadCatalog(ctx context.Context, tenantID string, st cacheStamp) (PermissionSet, error) {
	if set, ok := e.cache.getCatalog(tenantID, st); ok {
		return set, nil
	}
	// the load is shared, so one caller's cancellation must not fail the rest
	shared := context.WithoutCancel(ctx)
	v, err, _ := e.loads.Do(catalogKey(tenantID, st), func() (any, error) {
		perms, err := e.store.ListPermissions(shared, tenantID)
		if err != nil {
			return nil, wrapReadErr("list permissions", err)
		}
		set := make(PermissionSet, len(perms))
		set.Add(perms...)
		e.cache.setCatalog(tenantID, st, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(PermissionSet), nil
}

// loadActor returns the actor's Global and ResourceType scoped permissions
// at the stamped version, resolving them from the store on a cache miss.
// Concurrent misses for the same key share one resolution, which runs
// detached from any single caller's cancellation.
func (e *Engine) loadActor(ctx context.Context, tenantID, actorID string, st cacheStamp) (*actorPermissions, error) {
	if ap, ok := e.cache.getActor(tenantID, actorID, st); ok {
		e.metrics.cacheLookup(true)
		return ap, nil
	}
	e.metrics.cacheLookup(false)
	ctx = context.WithoutCancel(ctx)
	v, err, _ := e.loads.Do(actorKey(tenantID, actorID, st), func() (any, error) {
		start := time.Now()
		defer e.metrics.resolved(start)
		actor, err := e.store.GetActor(ctx, tenantID, actorID)
		if err != nil {
			return nil, wrapReadErr("get actor", err)
		}
		ap := &actorPermissions{actor: *actor, perms: make(map[Permission]grantSource), version: st.version}
		roles, err := e.store.GetRoles(ctx, tenantID, actorID)
		if err != nil {
			return nil, wrapReadErr("get roles", err)
		}
		for _, roleID := range roles {
			set, err := e.resolver.resolveAt(ctx, tenantID, roleID, st)
			if err != nil {
				return nil, err
			}
			for p := range set {
				ap.perms[p] |= sourceRole
			}
		}
		grants, err := e.store.GetDirectGrants(ctx, tenantID, actorID)
		if err != nil {
			return nil, wrapReadErr("direct grants", err)
		}
		for _, g := range grants {
			if g.Scope == ScopeResourceID {
				continue
			}
			ap.perms[g.Permission] |= sourceDirect
		}
		e.cache.setActor(ap, st)
		return ap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*actorPermissions), nil
}

// evaluate is the Evaluating step. It never fails: every outcome is a
// decision.
func (e *Engine) evaluate(tenantID, actorID string, action Action, resourceType string, res ResourceSnapshot, rs *resolution, x *explainer) Decision {
	stamp := func(d Decision) Decision {
		d.Version = rs.version
		d.Timestamp = e.clock()
		return d
	}
	perm := Permission{Action: action, ResourceType: resourceType}
	if !rs.catalog.Has(perm) {
		x.add("permission %s is not in the tenant catalog", perm)
		e.logger.Error("permission not in catalog", "tenant", tenantID, "actor", actorID, "permission", perm.String())
		return stamp(deny(ReasonDeniedConfigurationError, ""))
	}

	var observe func(Rule, RuleEffect)
	if x != nil {
		observe = func(r Rule, eff RuleEffect) { x.add("rule %s: %s", r.ID, eff) }
	}
	rr := e.rules.evaluate(rs.actor.actor, action, resourceType, res, observe)
	switch {
	case rr.err != nil:
		x.add("rule %s failed: %v", rr.ruleID, rr.err)
		e.logger.Error("rule evaluation failed", "tenant", tenantID, "actor", actorID, "rule", rr.ruleID, "error", rr.err)
		return stamp(deny(ReasonDeniedConfigurationError, rr.ruleID))
	case rr.effect == Deny:
		return stamp(deny(ReasonDeniedByRule, rr.ruleID))
	case rr.effect == Allow:
		return stamp(allow(ReasonGrantedByRule, rr.ruleID))
	}
	x.add("all rules abstained, checking permission %s", perm)

	src := rs.actor.source(perm)
	switch {
	case src&sourceDirect != 0:
		return stamp(allow(ReasonGrantedByDirectGrant, ""))
	case src&sourceRole != 0:
		return stamp(allow(ReasonGrantedByRole, ""))
	}
	if res.ID != "" {
		for _, g := range rs.byResource[res.ID] {
			if g.Permission == perm {
				x.add("direct grant on resource %s", res.ID)
				return stamp(allow(ReasonGrantedByDirectGrant, ""))
			}
		}
	}
	return stamp(deny(ReasonDeniedNoGrant, ""))
}

// failure maps a resolution error to a fail-closed decision. Unknown
// tenants and actors are plain denials; only infrastructure faults are
// returned as errors.
func (e *Engine) failure(tenantID, actorID string, err error) (Decision, error) {
	d := deny(ReasonDeniedNoGrant, "")
	d.Timestamp = e.clock()
	switch {
	case errors.Is(err, ErrNotFound):
		return d, nil
	case errors.Is(err, ErrCycleDetected), errors.Is(err, ErrConfiguration):
		e.logger.Error("role graph misconfigured", "tenant", tenantID, "actor", actorID, "error", err)
		d.Reason = ReasonDeniedConfigurationError
		return d, nil
	}
	e.logger.Error("grant store unavailable", "tenant", tenantID, "actor", actorID, "error", err)
	d.Reason = ReasonDeniedInfrastructureUnavailable
	return d, Unavailable("decide", err)
}

// finish is the Decided step for audited calls.
func (e *Engine) finish(tenantID, actorID string, action Action, resourceType, resourceID string, d Decision) {
	e.metrics.decision(d)
	e.logger.Debug("decision",
		"tenant", tenantID,
		"actor", actorID,
		"action", string(action),
		"resource_type", resourceType,
		"resource_id", resourceID,
		"allowed", d.Allowed(),
		"reason", d.Code(),
	)
	e.audit.Enqueue(newAuditRecord(tenantID, actorID, action, resourceType, resourceID, d))
}

func endSpan(span trace.Span, d Decision, err error) {
	span.SetAttributes(
		attribute.String("outcome", string(d.Outcome)),
		attribute.String("reason", d.Code()),
		attribute.Int64("version", int64(d.Version)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// EffectivePermissions lists the actor's Global and ResourceType scoped
// permissions at the tenant's current version.
func (e *Engine) EffectivePermissions(ctx context.Context, tenantID, actorID string) ([]Permission, error) {
	version, err := e.store.Version(ctx, tenantID)
	if err != nil {
		return nil, wrapReadErr("read version", err)
	}
	ap, err := e.loadActor(ctx, tenantID, actorID, e.cache.stamp(version))
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet, len(ap.perms))
	for p := range ap.perms {
		set.Add(p)
	}
	return set.Sorted(), nil
}
