package alerts

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []Alert
	fail      bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errFake
	}
	s.delivered = append(s.delivered, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

var errFake = fakeErr{}

type fakeErr struct{}

func (fakeErr) Error() string { return "fake delivery failure" }

// blockingSink never completes a delivery until release is closed, so the
// sinkWorker's internal queue stays saturated and enqueue's overflow path
// is exercised deterministically.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(_ context.Context, _ Alert) error {
	<-s.release
	return nil
}

func TestEnqueueNeverDropsCriticalAlerts(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	defer close(sink.release)

	w := newSinkWorker(sink, 2, slog.Default())

	// First delivery is picked up by run() and blocks there, leaving the
	// 2-slot queue free to fill below.
	w.enqueue(Alert{ID: "blocked", Severity: SeverityCritical})
	waitUntil(t, time.Second, func() bool { return len(w.queue) == 0 })

	w.enqueue(Alert{ID: "warn-1", Severity: SeverityWarning})
	w.enqueue(Alert{ID: "crit-1", Severity: SeverityCritical})

	// Queue (capacity 2) is now full: warn-1, crit-1. A third critical must
	// evict the non-critical warn-1, never crit-1.
	w.enqueue(Alert{ID: "crit-2", Severity: SeverityCritical})

	var ids []string
	for i := 0; i < len(w.queue); i++ {
		a := <-w.queue
		ids = append(ids, a.ID)
		w.queue <- a
	}
	require.NotContains(t, ids, "warn-1")
	require.Contains(t, ids, "crit-1")
	require.Contains(t, ids, "crit-2")
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestPublishDeduplicatesWithinCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sink := &recordingSink{}
	b := New(5*time.Minute, []Sink{sink}, WithClock(clock))

	first := b.Publish("cpu_high", SeverityWarning, "svc", "cpu high", nil)
	now = now.Add(time.Minute)
	second := b.Publish("cpu_high", SeverityWarning, "svc", "cpu high again", nil)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, now, second.CreatedAt)
	require.Len(t, b.List(false), 1)
}

func TestPublishAfterCooldownCreatesNewAlert(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sink := &recordingSink{}
	b := New(time.Minute, []Sink{sink}, WithClock(clock))

	first := b.Publish("cpu_high", SeverityWarning, "svc", "cpu high", nil)
	now = now.Add(2 * time.Minute)
	second := b.Publish("cpu_high", SeverityWarning, "svc", "cpu high", nil)

	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, b.List(false), 2)
}

func TestResolveAllowsFreshAlert(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := New(time.Hour, nil, WithClock(clock))

	first := b.Publish("cpu_high", SeverityWarning, "svc", "cpu high", nil)
	_, ok := b.Resolve(first.ID)
	require.True(t, ok)

	second := b.Publish("cpu_high", SeverityWarning, "svc", "cpu high", nil)
	require.NotEqual(t, first.ID, second.ID)
}

func TestAcknowledgeAndResolveAreIdempotent(t *testing.T) {
	now := time.Unix(100, 0)
	clock := func() time.Time { return now }
	b := New(time.Hour, nil, WithClock(clock))
	a := b.Publish("disk_full", SeverityCritical, "svc", "disk full", nil)

	ack1, ok := b.Acknowledge(a.ID)
	require.True(t, ok)
	now = now.Add(time.Minute)
	ack2, _ := b.Acknowledge(a.ID)
	require.Equal(t, ack1.AcknowledgedAt, ack2.AcknowledgedAt)

	res1, _ := b.Resolve(a.ID)
	now = now.Add(time.Minute)
	res2, _ := b.Resolve(a.ID)
	require.Equal(t, res1.ResolvedAt, res2.ResolvedAt)
}

func TestListActiveOnlyFiltersResolved(t *testing.T) {
	b := New(time.Hour, nil)
	a1 := b.Publish("a", SeverityInfo, "p1", "m", nil)
	b.Publish("b", SeverityInfo, "p2", "m", nil)
	_, _ = b.Resolve(a1.ID)

	active := b.List(true)
	require.Len(t, active, 1)
	require.Equal(t, "b", active[0].Kind)
}

func TestDeliveryReachesSink(t *testing.T) {
	sink := &recordingSink{}
	b := New(time.Hour, []Sink{sink})
	b.Publish("oom", SeverityCritical, "svc", "oom killed", nil)
	waitUntil(t, time.Second, func() bool { return sink.count() == 1 })
}

func TestSweepExpiredDedupClearsStaleEntries(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := New(time.Minute, nil, WithClock(clock))
	b.Publish("x", SeverityInfo, "p", "m", nil)

	now = now.Add(2 * time.Minute)
	b.SweepExpiredDedup()

	second := b.Publish("x", SeverityInfo, "p", "m", nil)
	require.Len(t, b.List(false), 2)
	require.NotEmpty(t, second.ID)
}

func TestGetReturnsAlert(t *testing.T) {
	b := New(time.Hour, nil)
	a := b.Publish("x", SeverityInfo, "p", "m", map[string]string{"k": "v"})
	got, ok := b.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, "v", got.Metadata["k"])

	_, ok = b.Get("does-not-exist")
	require.False(t, ok)
}
