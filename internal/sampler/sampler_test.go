package sampler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/osfacade"
)

type fakeFacade struct {
	mu      sync.Mutex
	samples map[int]osfacade.Sample
	missing map[int]bool
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{samples: make(map[int]osfacade.Sample), missing: make(map[int]bool)}
}

func (f *fakeFacade) set(pid int, s osfacade.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[pid] = s
}

func (f *fakeFacade) setMissing(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[pid] = true
}

func (f *fakeFacade) Spawn(context.Context, string, string, []string, io.Writer, io.Writer) (*osfacade.Handle, error) {
	return nil, nil
}
func (f *fakeFacade) Signal(*osfacade.Handle, osfacade.SignalKind) error { return nil }
func (f *fakeFacade) WaitExit(*osfacade.Handle) (int, error)             { return 0, nil }

func (f *fakeFacade) Sample(pid int) (osfacade.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[pid] {
		return osfacade.Sample{}, osfacade.ErrNotFound
	}
	s, ok := f.samples[pid]
	if !ok {
		return osfacade.Sample{}, osfacade.ErrNotFound
	}
	return s, nil
}
func (f *fakeFacade) ListConnections() ([]osfacade.ConnInfo, error)   { return nil, nil }
func (f *fakeFacade) HostMetrics() (osfacade.HostMetrics, error)      { return osfacade.HostMetrics{}, nil }

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *recordingPublisher) Publish(kind string, severity, process, message string, metadata map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, kind)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	copy(out, p.published)
	return out
}

type recordingNotifier struct {
	mu        sync.Mutex
	vanished []string
}

func (n *recordingNotifier) NotifyDisappeared(process string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vanished = append(n.vanished, process)
}

func TestTrackAndSampleAppendsToRing(t *testing.T) {
	facade := newFakeFacade()
	facade.set(100, osfacade.Sample{CPUPercent: 10, MemPercent: 20})
	s := New(facade, nil)
	s.Track("svc", 100, Thresholds{}, 5)

	s.sampleOne("svc")
	samples := s.Samples("svc", 10)
	require.Len(t, samples, 1)
	require.Equal(t, 10.0, samples[0].CPUPercent)
}

func TestSampleNotFoundNotifiesDisappeared(t *testing.T) {
	facade := newFakeFacade()
	facade.setMissing(200)
	notifier := &recordingNotifier{}
	s := New(facade, nil, WithExitNotifier(notifier))
	s.Track("svc", 200, Thresholds{}, 5)

	s.sampleOne("svc")
	require.Equal(t, []string{"svc"}, notifier.vanished)
}

func TestCPUHighAlertFiresOnUpwardCrossing(t *testing.T) {
	facade := newFakeFacade()
	pub := &recordingPublisher{}
	s := New(facade, pub, WithRollingWindow(2))
	s.Track("svc", 1, Thresholds{CPUPercent: 80}, 10)

	facade.set(1, osfacade.Sample{CPUPercent: 90})
	s.sampleOne("svc")
	s.sampleOne("svc")

	require.Contains(t, pub.kinds(), "cpu_high")
}

func TestThresholdClearedFiresOnDownwardHysteresis(t *testing.T) {
	facade := newFakeFacade()
	pub := &recordingPublisher{}
	s := New(facade, pub, WithRollingWindow(1))
	s.Track("svc", 1, Thresholds{CPUPercent: 80}, 10)

	facade.set(1, osfacade.Sample{CPUPercent: 90})
	s.sampleOne("svc")
	require.Contains(t, pub.kinds(), "cpu_high")

	facade.set(1, osfacade.Sample{CPUPercent: 70})
	s.sampleOne("svc")
	require.Contains(t, pub.kinds(), "threshold_cleared")
}

func TestNoFlappingWithinHysteresisBand(t *testing.T) {
	facade := newFakeFacade()
	pub := &recordingPublisher{}
	s := New(facade, pub, WithRollingWindow(1))
	s.Track("svc", 1, Thresholds{CPUPercent: 80}, 10)

	facade.set(1, osfacade.Sample{CPUPercent: 90})
	s.sampleOne("svc")
	facade.set(1, osfacade.Sample{CPUPercent: 78}) // above threshold-5, should not clear
	s.sampleOne("svc")

	require.NotContains(t, pub.kinds(), "threshold_cleared")
}

func TestUntrackRemovesInstance(t *testing.T) {
	facade := newFakeFacade()
	facade.set(1, osfacade.Sample{CPUPercent: 1})
	s := New(facade, nil)
	s.Track("svc", 1, Thresholds{}, 5)
	s.Untrack("svc")
	require.Nil(t, s.Samples("svc", 5))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	facade := newFakeFacade()
	s := New(facade, nil, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
