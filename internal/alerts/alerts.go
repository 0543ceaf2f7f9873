// Package alerts implements the deduplicating fan-out Alert Bus: threshold violations and lifecycle events turn into Alert records
// that are pushed to notification sinks and retained for acknowledge/
// resolve workflows.
//
// Grounded on the sink fan-out pattern in internal/manager/manager.go's
// recordStart/recordStop (iterate configured history.Sink values, best
// effort, one per alert) generalized from process-history persistence to
// notification delivery.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one alert record held by the Bus and delivered to its sinks.
type Alert struct {
	ID             string
	Kind           string
	Severity       Severity
	Process        string
	Message        string
	Metadata       map[string]string
	CreatedAt      time.Time
	AcknowledgedAt time.Time
	ResolvedAt     time.Time
}

func (a Alert) Active() bool { return a.ResolvedAt.IsZero() }

// Sink is a notification capability; the bus is polymorphic over it and
// knows nothing about specific protocols.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

const defaultQueueSize = 256

type sinkWorker struct {
	sink  Sink
	queue chan Alert
	log   *slog.Logger
}

func newSinkWorker(s Sink, queueSize int, log *slog.Logger) *sinkWorker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &sinkWorker{sink: s, queue: make(chan Alert, queueSize), log: log}
	go w.run()
	return w
}

func (w *sinkWorker) run() {
	for a := range w.queue {
		if err := w.sink.Deliver(context.Background(), a); err != nil {
			w.log.Warn("notification delivery failed", "sink", w.sink.Name(), "alert", a.ID, "err", err)
		}
	}
}

// enqueue applies back-pressure: bounded queue, drop oldest info/warning
// first, never drop critical.
func (w *sinkWorker) enqueue(a Alert) {
	select {
	case w.queue <- a:
		return
	default:
	}
	if w.evictOldestNonCritical() {
		select {
		case w.queue <- a:
		default:
		}
		return
	}
	// Every queued alert is itself critical; there is nothing to evict
	// without violating "never drop critical", so the new one is dropped.
	w.log.Warn("notification queue full of critical alerts, dropping alert", "sink", w.sink.Name(), "kind", a.Kind)
}

// evictOldestNonCritical scans the queue front-to-back for the oldest
// non-critical entry, removes it, and requeues everything else in order.
// It reports whether an entry was evicted.
func (w *sinkWorker) evictOldestNonCritical() bool {
	n := len(w.queue)
	kept := make([]Alert, 0, n)
	evicted := false
	for i := 0; i < n; i++ {
		select {
		case item := <-w.queue:
			if !evicted && item.Severity != SeverityCritical {
				evicted = true
				continue
			}
			kept = append(kept, item)
		default:
		}
	}
	for _, item := range kept {
		select {
		case w.queue <- item:
		default:
		}
	}
	return evicted
}

// Bus is the Alert Bus.
type Bus struct {
	mu       sync.Mutex
	cooldown time.Duration
	ringSize int
	clock    func() time.Time
	history  []*Alert
	dedup    map[string]*Alert // "kind|process" -> most recent unresolved alert
	workers  []*sinkWorker
	log      *slog.Logger
}

type Option func(*Bus)

func WithClock(f func() time.Time) Option { return func(b *Bus) { b.clock = f } }
func WithLogger(l *slog.Logger) Option     { return func(b *Bus) { b.log = l } }
func WithRingSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

// New builds a Bus with cooldown and the given sinks, each run by its own
// worker goroutine.
func New(cooldown time.Duration, sinks []Sink, opts ...Option) *Bus {
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	b := &Bus{
		cooldown: cooldown,
		ringSize: 1000,
		clock:    time.Now,
		dedup:    make(map[string]*Alert),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	for _, s := range sinks {
		b.workers = append(b.workers, newSinkWorker(s, defaultQueueSize, b.log))
	}
	return b
}

func dedupKey(kind, process string) string { return kind + "|" + process }

// Publish deduplicates against any unresolved alert with the same
// (kind, process) within cooldown; on a duplicate it refreshes the
// timestamp instead of enqueuing a new record.
func (b *Bus) Publish(kind string, severity Severity, process, message string, metadata map[string]string) Alert {
	b.mu.Lock()
	now := b.clock()
	key := dedupKey(kind, process)
	if existing, ok := b.dedup[key]; ok && existing.Active() && now.Sub(existing.CreatedAt) < b.cooldown {
		existing.CreatedAt = now
		a := *existing
		b.mu.Unlock()
		return a
	}
	a := &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Process:   process,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: now,
	}
	b.dedup[key] = a
	b.history = append(b.history, a)
	if len(b.history) > b.ringSize {
		b.history = b.history[len(b.history)-b.ringSize:]
	}
	out := *a
	b.mu.Unlock()

	for _, w := range b.workers {
		w.enqueue(out)
	}
	return out
}

// Acknowledge is idempotent.
func (b *Bus) Acknowledge(id string) (Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.find(id)
	if a == nil {
		return Alert{}, false
	}
	if a.AcknowledgedAt.IsZero() {
		a.AcknowledgedAt = b.clock()
	}
	return *a, true
}

// Resolve is idempotent and clears the dedup entry so a later alert of the
// same (kind, process) is not suppressed.
func (b *Bus) Resolve(id string) (Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.find(id)
	if a == nil {
		return Alert{}, false
	}
	if a.ResolvedAt.IsZero() {
		a.ResolvedAt = b.clock()
	}
	if existing, ok := b.dedup[dedupKey(a.Kind, a.Process)]; ok && existing.ID == a.ID {
		delete(b.dedup, dedupKey(a.Kind, a.Process))
	}
	return *a, true
}

func (b *Bus) find(id string) *Alert {
	for _, a := range b.history {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// List returns alerts in reverse chronological order.
func (b *Bus) List(activeOnly bool) []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		a := b.history[i]
		if activeOnly && !a.Active() {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Get returns a single alert by id.
func (b *Bus) Get(id string) (Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.find(id)
	if a == nil {
		return Alert{}, false
	}
	return *a, true
}

// SweepExpiredDedup clears dedup entries whose cooldown has elapsed, even
// if never resolved. Publish does not call it; it is exposed for callers
// that want to proactively GC the dedup table.
func (b *Bus) SweepExpiredDedup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	for k, a := range b.dedup {
		if now.Sub(a.CreatedAt) >= b.cooldown {
			delete(b.dedup, k)
		}
	}
}
