package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oarkflow/gatekeeper"
)

func auditRecord(id, actor string, at time.Time) gatekeeper.AuditRecord {
	return gatekeeper.AuditRecord{
		ID:           id,
		TenantID:     "t1",
		ActorID:      actor,
		Action:       "update",
		ResourceType: "invoice",
		ResourceID:   "inv-1",
		RecordedAt:   at,
		Decision: gatekeeper.Decision{
			Outcome:     gatekeeper.OutcomeDeny,
			Reason:      gatekeeper.ReasonDeniedByRule,
			MatchedRule: "ownerUnit-check",
			Version:     7,
			Timestamp:   at,
		},
	}
}

func TestSQLAuditSinkRoundtrip(t *testing.T) {
	ctx := context.Background()
	sink := NewSQLAuditSink(newSQLDB(t))
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, auditRecord("evt-1", "u1", at)))
	// at-least-once delivery may repeat a record
	require.NoError(t, sink.Record(ctx, auditRecord("evt-1", "u1", at)))
	require.NoError(t, sink.Record(ctx, auditRecord("evt-2", "u2", at.Add(time.Minute))))

	logs, err := sink.GetAccessLog(ctx, gatekeeper.AuditFilter{ActorID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	got := logs[0]
	require.Equal(t, "evt-1", got.ID)
	require.Equal(t, "DeniedByRule:ownerUnit-check", got.Decision.Code())
	require.False(t, got.Decision.Allowed())
	require.Equal(t, uint64(7), got.Decision.Version)
	require.Equal(t, "inv-1", got.ResourceID)

	all, err := sink.GetAccessLog(ctx, gatekeeper.AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMemoryAuditSinkFilter(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAuditSink()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Record(ctx, auditRecord("evt-1", "u1", at)))
	require.NoError(t, sink.Record(ctx, auditRecord("evt-2", "u2", at.Add(time.Hour))))

	logs, err := sink.GetAccessLog(ctx, gatekeeper.AuditFilter{StartTime: at.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "u2", logs[0].ActorID)
	require.Equal(t, 2, sink.Len())
}
