// Package sampler implements the Metric Sampler: a single
// ticker that samples every live instance, appends into a ring buffer, and
// raises hysteresis-gated cpu_high/memory_high/threshold_cleared alerts.
//
// Grounded on internal/manager/supervisor.go's tick/monitor loop and
// internal/metrics/process_metrics.go's rolling collector
// (ProcessMetricsHistory), generalized from a free-running poll loop and
// map-keyed circular-buffer fields into this package's fixed-tick,
// internal/ring backed design.
package sampler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/processguard/processguard/internal/osfacade"
	"github.com/processguard/processguard/internal/ring"
)

// DefaultInterval is the default monitor_interval.
const DefaultInterval = 10 * time.Second

// DefaultRingCapacity is the number of samples kept per instance (one hour
// at the default 10s interval).
const DefaultRingCapacity = 360

// DefaultRollingWindow is W in the rolling-mean computation (one minute at
// the default 10s interval).
const DefaultRollingWindow = 6

// Thresholds configures hysteresis-gated alerting for one instance.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
}

// AlertPublisher is the subset of the Alert Bus the sampler needs; kept as
// an interface so sampler does not import the concrete alerts package
// directly and can be unit tested with a recorder.
type AlertPublisher interface {
	Publish(kind string, severity, process, message string, metadata map[string]string) //nolint:revive
}

// ExitNotifier receives synthetic "disappeared" lifecycle events when
// Sample reports osfacade.ErrNotFound for a tracked pid; the supervisor
// implements this to treat it as an unexpected exit.
type ExitNotifier interface {
	NotifyDisappeared(process string)
}

// UptimeObserver receives every sample's uptime reading so the crash engine
// can reset its consecutive-restart counter once a process has been up for
// stable_uptime_seconds.
type UptimeObserver interface {
	ObserveUptime(process string, uptime time.Duration)
}

type instanceState struct {
	mu            sync.Mutex
	pid           int
	thresholds    Thresholds
	ring          *ring.Buffer
	cpuAbove      bool
	memAbove      bool
	lastUptimeSec float64
}

// Sampler drives the periodic sampling tick for every registered instance.
type Sampler struct {
	facade   osfacade.Facade
	interval time.Duration
	window   int

	mu        sync.RWMutex
	instances map[string]*instanceState

	alerts   AlertPublisher
	notifier ExitNotifier
	uptimes  UptimeObserver
	log      *slog.Logger

	cpuGauge     *prometheus.GaugeVec
	memGauge     *prometheus.GaugeVec
	threadsGauge *prometheus.GaugeVec
	filesGauge   *prometheus.GaugeVec

	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastTick atomic.Int64
}

// Option configures a Sampler at construction time.
type Option func(*Sampler)

func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithRollingWindow(w int) Option {
	return func(s *Sampler) {
		if w > 0 {
			s.window = w
		}
	}
}

func WithExitNotifier(n ExitNotifier) Option     { return func(s *Sampler) { s.notifier = n } }
func WithUptimeObserver(o UptimeObserver) Option { return func(s *Sampler) { s.uptimes = o } }
func WithLogger(l *slog.Logger) Option           { return func(s *Sampler) { s.log = l } }

// SetExitNotifier wires the notifier after construction, for callers that
// build the Sampler before its notifier (typically the Supervisor, which
// itself depends on the Sampler) exists yet.
func (s *Sampler) SetExitNotifier(n ExitNotifier) { s.notifier = n }

// SetUptimeObserver wires the uptime observer after construction, for the
// same before-its-dependency-exists reason as SetExitNotifier.
func (s *Sampler) SetUptimeObserver(o UptimeObserver) { s.uptimes = o }

// New builds a Sampler. publisher may be nil if alerting is not wired yet
// (tests exercise the ring/threshold logic directly).
func New(facade osfacade.Facade, publisher AlertPublisher, opts ...Option) *Sampler {
	s := &Sampler{
		facade:    facade,
		interval:  DefaultInterval,
		window:    DefaultRollingWindow,
		instances: make(map[string]*instanceState),
		alerts:    publisher,
		log:       slog.Default(),
		stopCh:    make(chan struct{}),
		cpuGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "processguard", Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage percentage for a supervised process.",
		}, []string{"process"}),
		memGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "processguard", Subsystem: "process", Name: "memory_percent",
			Help: "Memory usage percentage for a supervised process.",
		}, []string{"process"}),
		threadsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "processguard", Subsystem: "process", Name: "num_threads",
			Help: "Thread count for a supervised process.",
		}, []string{"process"}),
		filesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "processguard", Subsystem: "process", Name: "open_files",
			Help: "Open file descriptor count for a supervised process.",
		}, []string{"process"}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Collectors returns the Prometheus collectors this sampler owns, for
// registration with internal/metrics.
func (s *Sampler) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.cpuGauge, s.memGauge, s.threadsGauge, s.filesGauge}
}

// Track registers name/pid for sampling, replacing any prior registration
// under the same name (a restart gets a fresh ring and fresh hysteresis
// state, matching a fresh instance rather than a continuation).
func (s *Sampler) Track(name string, pid int, thresholds Thresholds, ringCapacity int) {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[name] = &instanceState{pid: pid, thresholds: thresholds, ring: ring.New(ringCapacity)}
}

// Untrack removes name from sampling and drops its Prometheus series.
func (s *Sampler) Untrack(name string) {
	s.mu.Lock()
	delete(s.instances, name)
	s.mu.Unlock()
	s.cpuGauge.DeleteLabelValues(name)
	s.memGauge.DeleteLabelValues(name)
	s.threadsGauge.DeleteLabelValues(name)
	s.filesGauge.DeleteLabelValues(name)
}

// Samples returns the last n samples recorded for name, oldest first.
func (s *Sampler) Samples(name string, n int) []osfacade.Sample {
	s.mu.RLock()
	st, ok := s.instances[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	raw := st.ring.Last(n)
	out := make([]osfacade.Sample, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.(osfacade.Sample))
	}
	return out
}

// Run blocks, ticking at the configured interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop signals Run to return and waits for it.
func (s *Sampler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Interval returns the configured tick interval, for health-check staleness
// calculations.
func (s *Sampler) Interval() time.Duration { return s.interval }

// LastTick returns the time of the most recently completed tick. Zero until
// Run has ticked at least once.
func (s *Sampler) LastTick() time.Time {
	ns := s.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Sampler) tick() {
	s.lastTick.Store(time.Now().UnixNano())
	s.mu.RLock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		s.sampleOne(name)
	}
}

func (s *Sampler) sampleOne(name string) {
	s.mu.RLock()
	st, ok := s.instances[name]
	s.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	pid := st.pid
	st.mu.Unlock()

	sample, err := s.facade.Sample(pid)
	if err != nil {
		if err == osfacade.ErrNotFound {
			if s.notifier != nil {
				s.notifier.NotifyDisappeared(name)
			}
			return
		}
		s.log.Warn("sampling failed", "process", name, "err", err)
		return
	}

	st.mu.Lock()
	st.ring.Append(sample)
	st.lastUptimeSec = sample.UptimeSec
	window := st.ring.Last(s.window)
	thresholds := st.thresholds
	st.mu.Unlock()

	if s.uptimes != nil {
		s.uptimes.ObserveUptime(name, time.Duration(sample.UptimeSec*float64(time.Second)))
	}

	s.cpuGauge.WithLabelValues(name).Set(sample.CPUPercent)
	s.memGauge.WithLabelValues(name).Set(sample.MemPercent)
	s.threadsGauge.WithLabelValues(name).Set(float64(sample.Threads))
	s.filesGauge.WithLabelValues(name).Set(float64(sample.OpenFiles))

	s.evaluateThresholds(name, st, window, thresholds)
}

// evaluateThresholds computes rolling means over window and applies
// hysteresis: crossing the threshold upward publishes a warning alert;
// dropping >= 5 points below it publishes threshold_cleared.
func (s *Sampler) evaluateThresholds(name string, st *instanceState, window []ring.Sample, t Thresholds) {
	if len(window) == 0 || s.alerts == nil {
		return
	}
	var cpuSum, memSum float64
	for _, w := range window {
		smp := w.(osfacade.Sample)
		cpuSum += smp.CPUPercent
		memSum += smp.MemPercent
	}
	cpuMean := cpuSum / float64(len(window))
	memMean := memSum / float64(len(window))

	st.mu.Lock()
	cpuWas, memWas := st.cpuAbove, st.memAbove
	if t.CPUPercent > 0 {
		if !cpuWas && cpuMean >= t.CPUPercent {
			st.cpuAbove = true
		} else if cpuWas && cpuMean <= t.CPUPercent-5 {
			st.cpuAbove = false
		}
	}
	if t.MemoryPercent > 0 {
		if !memWas && memMean >= t.MemoryPercent {
			st.memAbove = true
		} else if memWas && memMean <= t.MemoryPercent-5 {
			st.memAbove = false
		}
	}
	cpuNow, memNow := st.cpuAbove, st.memAbove
	st.mu.Unlock()

	if t.CPUPercent > 0 {
		if !cpuWas && cpuNow {
			s.alerts.Publish("cpu_high", "warning", name, "rolling CPU mean crossed threshold", nil)
		} else if cpuWas && !cpuNow {
			s.alerts.Publish("threshold_cleared", "info", name, "CPU usage returned below threshold", nil)
		}
	}
	if t.MemoryPercent > 0 {
		if !memWas && memNow {
			s.alerts.Publish("memory_high", "warning", name, "rolling memory mean crossed threshold", nil)
		} else if memWas && !memNow {
			s.alerts.Publish("threshold_cleared", "info", name, "memory usage returned below threshold", nil)
		}
	}
}
