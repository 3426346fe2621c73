package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/gatekeeper"
)

// SQLAuditSink persists audit records in SQL. Redelivered records are
// ignored by id.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

var (
	_ gatekeeper.AuditSink    = (*SQLAuditSink)(nil)
	_ gatekeeper.AuditQuerier = (*SQLAuditSink)(nil)
)

func (s *SQLAuditSink) Record(ctx context.Context, rec gatekeeper.AuditRecord) error {
	q := `INSERT INTO audit_log(id, recorded_at, tenant_id, actor_id, action, resource_type, resource_id, allowed, reason, matched_rule, version)
		VALUES(:id, :recorded_at, :tenant_id, :actor_id, :action, :resource_type, :resource_id, :allowed, :reason, :matched_rule, :version)
		ON CONFLICT(id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            rec.ID,
		"recorded_at":   rec.RecordedAt,
		"tenant_id":     rec.TenantID,
		"actor_id":      rec.ActorID,
		"action":        string(rec.Action),
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"allowed":       boolToInt(rec.Decision.Allowed()),
		"reason":        string(rec.Decision.Reason),
		"matched_rule":  rec.Decision.MatchedRule,
		"version":       int64(rec.Decision.Version),
	})
	if err != nil {
		return gatekeeper.Unavailable("record audit", err)
	}
	return nil
}

func (s *SQLAuditSink) GetAccessLog(ctx context.Context, filter gatekeeper.AuditFilter) ([]gatekeeper.AuditRecord, error) {
	q := `SELECT id, recorded_at, tenant_id, actor_id, action, resource_type, resource_id, allowed, reason, matched_rule, version FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = filter.ActorID
	}
	if filter.ResourceID != "" {
		q += " AND resource_id = :resource_id"
		params["resource_id"] = filter.ResourceID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if !filter.StartTime.IsZero() {
		q += " AND recorded_at >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND recorded_at <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY recorded_at, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, gatekeeper.Unavailable("query audit", err)
	}
	defer r.Close()
	out := make([]gatekeeper.AuditRecord, 0)
	for r.Next() {
		var id, tenant, actor, action, resourceType, resourceID, reason, matchedRule string
		var recordedRaw interface{}
		var allowedInt int
		var version int64
		if err := r.Scan(&id, &recordedRaw, &tenant, &actor, &action, &resourceType, &resourceID, &allowedInt, &reason, &matchedRule, &version); err != nil {
			return nil, gatekeeper.Unavailable("scan audit", err)
		}
		outcome := gatekeeper.OutcomeDeny
		if allowedInt != 0 {
			outcome = gatekeeper.OutcomeAllow
		}
		recordedAt := scanTime(recordedRaw)
		out = append(out, gatekeeper.AuditRecord{
			ID:           id,
			TenantID:     tenant,
			ActorID:      actor,
			Action:       gatekeeper.Action(action),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RecordedAt:   recordedAt,
			Decision: gatekeeper.Decision{
				Outcome:     outcome,
				Reason:      gatekeeper.Reason(reason),
				MatchedRule: matchedRule,
				Version:     uint64(version),
				Timestamp:   recordedAt,
			},
		})
	}
	return out, nil
}
