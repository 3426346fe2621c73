package gatekeeper

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "gk")
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.decision(allow(ReasonGrantedByRole, ""))
	m.decision(deny(ReasonDeniedByRule, "ownerUnit-check"))
	m.decision(deny(ReasonDeniedByRule, "other"))
	m.cacheLookup(true)
	m.cacheLookup(false)
	m.cacheLookup(false)
	m.mutation("grant", nil)
	m.mutation("define_role", errors.New("cycle"))
	m.resolved(time.Now())

	if got := testutil.ToFloat64(m.decisionsTotal.WithLabelValues("deny", "DeniedByRule")); got != 2 {
		t.Fatalf("expected 2 rule denials, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(m.mutationsTotal.WithLabelValues("define_role", "error")); got != 1 {
		t.Fatalf("expected 1 failed mutation, got %v", got)
	}
	if n := testutil.CollectAndCount(m.resolveDuration); n != 1 {
		t.Fatalf("expected resolve histogram to be collected, got %d", n)
	}

	// registering the same namespace twice is a conflict
	if _, err := NewMetrics(reg, "gk"); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.decision(allow(ReasonGrantedByRole, ""))
	m.cacheLookup(true)
	m.mutation("grant", nil)
	m.resolved(time.Now())
	m.auditOK()
	m.auditAttemptFailed()
	m.auditDrop()
	m.auditBacklog(3)
}
