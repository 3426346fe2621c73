package gatekeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// flakySink fails the first failures calls, then records.
type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	records  map[string]AuditRecord
}

func (s *flakySink) Record(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink offline")
	}
	if s.records == nil {
		s.records = make(map[string]AuditRecord)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *flakySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testRecord(id string) AuditRecord {
	return AuditRecord{ID: id, TenantID: "t1", ActorID: "u1", Action: "view", ResourceType: "invoice", Decision: deny(ReasonDeniedNoGrant, "")}
}

func TestAuditDispatcherRetries(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := NewAuditDispatcher(sink, AuditOptions{MaxAttempts: 3, RetryBackoff: time.Millisecond}, nil, nil)
	d.Enqueue(testRecord("a"))
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink.mu.Lock()
	calls := sink.calls
	sink.mu.Unlock()
	if sink.count() != 1 || calls != 3 {
		t.Fatalf("expected delivery on the third attempt, got %d records after %d calls", sink.count(), calls)
	}
}

func TestAuditDispatcherDrainsOnClose(t *testing.T) {
	sink := &flakySink{}
	d := NewAuditDispatcher(sink, AuditOptions{QueueSize: 2}, nil, nil)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		d.Enqueue(testRecord(id))
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 6 {
		t.Fatalf("expected queue and backlog flushed, got %d records", sink.count())
	}
	// enqueue after close is dropped, not a panic
	d.Enqueue(testRecord("late"))
	if sink.count() != 6 {
		t.Fatalf("record enqueued after close was delivered")
	}
}

func TestAuditDispatcherRequeuesFailedRecords(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := NewAuditDispatcher(sink, AuditOptions{MaxAttempts: 1, RetryBackoff: time.Millisecond}, nil, nil)
	d.Enqueue(testRecord("a"))
	// the first attempt fails and the record goes to the backlog; the next
	// enqueue wakes the worker, which retries it
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		d.Enqueue(testRecord("b"))
		time.Sleep(5 * time.Millisecond)
		d.signal()
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink.mu.Lock()
	_, ok := sink.records["a"]
	sink.mu.Unlock()
	if !ok {
		t.Fatalf("failed record was lost instead of retried")
	}
}

func TestAuditDispatcherDropsPastBacklogLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "test")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	block := make(chan struct{})
	sink := AuditSinkFunc(func(context.Context, AuditRecord) error {
		<-block
		return nil
	})
	d := NewAuditDispatcher(sink, AuditOptions{QueueSize: 1, MaxBacklog: 2}, nil, m)
	// one in flight, one queued, two in the backlog, the rest dropped
	for i := 0; i < 8; i++ {
		d.Enqueue(testRecord(string(rune('a' + i))))
	}
	close(block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	dropped := testutil.ToFloat64(m.auditDropped)
	delivered := testutil.ToFloat64(m.auditDelivered)
	if dropped == 0 || dropped+delivered != 8 {
		t.Fatalf("expected drops past the backlog limit, dropped=%v delivered=%v", dropped, delivered)
	}
}

func TestAuditDispatcherCloseHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	sink := AuditSinkFunc(func(context.Context, AuditRecord) error {
		<-block
		return nil
	})
	d := NewAuditDispatcher(sink, AuditOptions{}, nil, nil)
	d.Enqueue(testRecord("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
