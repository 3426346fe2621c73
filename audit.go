package gatekeeper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================================
// AUDIT
// ============================================================================

// AuditRecord is what the engine hands to the audit sink for every decision.
type AuditRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ActorID      string    `json:"actor_id"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Decision     Decision  `json:"decision"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// AuditSink is the append-only decision log. Record may be called more than
// once for the same record id; sinks should tolerate duplicates.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, rec AuditRecord) error

func (f AuditSinkFunc) Record(ctx context.Context, rec AuditRecord) error { return f(ctx, rec) }

// AuditFilter for querying audit logs
type AuditFilter struct {
	TenantID   string
	ActorID    string
	ResourceID string
	Action     Action
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// AuditQuerier is implemented by sinks that can read records back.
type AuditQuerier interface {
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// LogAuditSink writes records to a Logger. It is the default sink.
type LogAuditSink struct {
	log logger.Logger
}

func NewLogAuditSink(l logger.Logger) *LogAuditSink { return &LogAuditSink{log: l} }

func (s *LogAuditSink) Record(_ context.Context, rec AuditRecord) error {
	s.log.Info("audit decision",
		"id", rec.ID,
		"tenant", rec.TenantID,
		"actor", rec.ActorID,
		"action", string(rec.Action),
		"resource_type", rec.ResourceType,
		"resource_id", rec.ResourceID,
		"allowed", rec.Decision.Allowed(),
		"reason", rec.Decision.Code(),
		"version", int(rec.Decision.Version),
	)
	return nil
}

func newAuditRecord(tenantID, actorID string, action Action, resourceType, resourceID string, d Decision) AuditRecord {
	return AuditRecord{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Decision:     d,
		RecordedAt:   d.Timestamp,
	}
}

// AuditOptions tunes delivery.
type AuditOptions struct {
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBacklog   int
}

func DefaultAuditOptions() AuditOptions {
	return AuditOptions{QueueSize: 1024, MaxAttempts: 5, RetryBackoff: 50 * time.Millisecond, MaxBacklog: 100_000}
}

// AuditDispatcher delivers records to a sink on a background worker.
// Enqueue never blocks: when the queue is full records go to an overflow
// backlog, and records whose attempts are exhausted are put back on it.
// Only records beyond MaxBacklog are dropped.
type AuditDispatcher struct {
	sink    AuditSink
	opts    AuditOptions
	log     logger.Logger
	metrics *Metrics

	queue   chan AuditRecord
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	backlog []AuditRecord
	closed  bool
}

// NewAuditDispatcher starts the delivery worker.
func NewAuditDispatcher(sink AuditSink, opts AuditOptions, l logger.Logger, m *Metrics) *AuditDispatcher {
	def := DefaultAuditOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = def.MaxBacklog
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	d := &AuditDispatcher{
		sink:    sink,
		opts:    opts,
		log:     l,
		metrics: m,
		queue:   make(chan AuditRecord, opts.QueueSize),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules rec for delivery.
func (d *AuditDispatcher) Enqueue(rec AuditRecord) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("audit dispatcher closed, record not delivered", "id", rec.ID, "tenant", rec.TenantID)
		d.metrics.auditDrop()
		return
	}
	select {
	case d.queue <- rec:
		d.mu.Unlock()
		return
	default:
	}
	d.pushBacklogLocked(rec)
	d.mu.Unlock()
	d.signal()
}

func (d *AuditDispatcher) pushBacklogLocked(rec AuditRecord) {
	if len(d.backlog) >= d.opts.MaxBacklog {
		d.log.Error("audit backlog full, dropping record", "id", rec.ID, "tenant", rec.TenantID, "actor", rec.ActorID)
		d.metrics.auditDrop()
		return
	}
	d.backlog = append(d.backlog, rec)
	d.metrics.auditBacklog(len(d.backlog))
}

func (d *AuditDispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *AuditDispatcher) takeBacklog() []AuditRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.backlog
	d.backlog = nil
	d.metrics.auditBacklog(0)
	return out
}

func (d *AuditDispatcher) run() {
	defer close(d.done)
	for {
		select {
		case rec := <-d.queue:
			d.deliver(rec, true)
		case <-d.wake:
			for _, rec := range d.takeBacklog() {
				d.deliver(rec, true)
			}
		case <-d.stopCh:
			d.drain()
			return
		}
	}
}

// drain flushes everything left with a single attempt per record.
func (d *AuditDispatcher) drain() {
	for {
		select {
		case rec := <-d.queue:
			d.deliver(rec, false)
		default:
			for _, rec := range d.takeBacklog() {
				d.deliver(rec, false)
			}
			return
		}
	}
}

func (d *AuditDispatcher) deliver(rec AuditRecord, retry bool) {
	attempts := 1
	if retry {
		attempts = d.opts.MaxAttempts
	}
	backoff := d.opts.RetryBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = d.sink.Record(context.Background(), rec); err == nil {
			d.metrics.auditOK()
			return
		}
		d.metrics.auditAttemptFailed()
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-d.stopCh:
			i = attempts
		}
	}
	d.log.Error("audit delivery failed", "id", rec.ID, "tenant", rec.TenantID, "error", err)
	if !retry {
		d.metrics.auditDrop()
		return
	}
	d.mu.Lock()
	d.pushBacklogLocked(rec)
	d.mu.Unlock()
}

// Close stops accepting records and waits for the worker to flush what is
// pending, or for ctx to end.
func (d *AuditDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stopCh)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
