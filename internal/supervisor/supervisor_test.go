package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/crash"
	"github.com/processguard/processguard/internal/depgraph"
	"github.com/processguard/processguard/internal/logs"
	"github.com/processguard/processguard/internal/osfacade"
	"github.com/processguard/processguard/internal/sampler"
)

type recordingPublisher struct {
	mu   sync.Mutex
	kind []string
}

func (p *recordingPublisher) Publish(kind string, severity, process, message string, metadata map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kind = append(p.kind, kind)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.kind))
	copy(out, p.kind)
	return out
}

func newTestSupervisor(t *testing.T, pub AlertPublisher) *Supervisor {
	t.Helper()
	facade := osfacade.New()
	logMgr := logs.NewManager(logs.Config{Dir: t.TempDir()})
	graph := depgraph.New()
	engine := crash.New(graph)
	smp := sampler.New(facade, nil, sampler.WithInterval(20*time.Millisecond))
	return New(facade, logMgr, engine, graph, smp, WithAlertPublisher(pub))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestStartTransitionsThroughStartingToRunning(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{Name: "svc", Command: "sleep 1", StartGrace: 10 * time.Millisecond}))

	require.NoError(t, s.Start("svc", false))
	st, _ := s.State("svc")
	require.Equal(t, StateStarting, st)

	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateRunning
	})
	require.NoError(t, s.Stop("svc", false))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateStopped
	})
}

func TestForceStopSkipsGracePeriod(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{
		Name:             "svc",
		Command:          "sleep 30",
		StartGrace:       10 * time.Millisecond,
		GracefulShutdown: time.Minute, // long enough that a plain Stop would not settle within the test timeout
	}))

	require.NoError(t, s.Start("svc", false))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateRunning
	})

	require.NoError(t, s.Stop("svc", true))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateStopped
	})
}

func TestDependencyNotReadyBlocksStart(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{Name: "db", Command: "sleep 1"}))
	require.NoError(t, s.Register(Config{Name: "api", Command: "true", Dependencies: []string{"db"}}))

	err := s.Start("api", false)
	require.Error(t, err)
	var depErr *DependencyNotReadyError
	require.ErrorAs(t, err, &depErr)
	require.Equal(t, []string{"db"}, depErr.Missing)
}

func TestIgnoreDependenciesOverrideBypassesGate(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{Name: "db", Command: "sleep 1"}))
	require.NoError(t, s.Register(Config{Name: "api", Command: "sleep 1", Dependencies: []string{"db"}}))

	require.NoError(t, s.Start("api", true))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("api")
		return st == StateRunning || st == StateStarting
	})
}

func TestDependencySatisfiedOnceRunning(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{Name: "db", Command: "sleep 1", StartGrace: 10 * time.Millisecond}))
	require.NoError(t, s.Register(Config{Name: "api", Command: "sleep 1", Dependencies: []string{"db"}}))

	require.NoError(t, s.Start("db", false))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("db")
		return st == StateRunning
	})
	require.NoError(t, s.Start("api", false))
}

func TestUnexpectedExitDisablesAfterMaxCrashes(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSupervisor(t, pub)
	require.NoError(t, s.Register(Config{
		Name: "flap", Command: "false",
		CrashPolicy: crash.Policy{MaxCrashes: 1, Action: crash.ActionDisable},
	}))

	require.NoError(t, s.Start("flap", false))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("flap")
		return st == StateDisabled
	})
	require.Contains(t, pub.kinds(), "process_disabled")

	err := s.Start("flap", false)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestExplicitStopDoesNotConsultCrashEngine(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSupervisor(t, pub)
	require.NoError(t, s.Register(Config{
		Name: "svc", Command: "sleep 2", StartGrace: 10 * time.Millisecond,
		CrashPolicy: crash.Policy{MaxCrashes: 1, Action: crash.ActionDisable},
	}))
	require.NoError(t, s.Start("svc", false))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateRunning
	})
	require.NoError(t, s.Stop("svc", false))
	waitFor(t, 2*time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateStopped
	})
	require.NotContains(t, pub.kinds(), "process_disabled")
}

func TestRestartAfterAutoRestartsBelowThreshold(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{
		Name: "svc", Command: "false",
		CrashPolicy: crash.Policy{
			MaxCrashes: 100, AutoRestart: true, RestartDelay: 5 * time.Millisecond, MaxRestarts: 5,
		},
	}))
	require.NoError(t, s.Start("svc", false))
	// Should keep cycling Failed -> Starting rather than sticking in Disabled.
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateFailed || st == StateStarting || st == StateRunning
	})
	st, _ := s.State("svc")
	require.NotEqual(t, StateDisabled, st)
}

func TestForceEnableClearsDisabledFlag(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{
		Name: "svc", Command: "sleep 5", StartGrace: 10 * time.Millisecond,
		CrashPolicy: crash.Policy{MaxCrashes: 1, Action: crash.ActionDisable},
	}))
	// Simulate a prior crash directly against the crash engine rather than
	// relying on "sleep 5" ever exiting during the test.
	decision, _ := s.crashEngine.OnExit("svc", 1, 0)
	require.IsType(t, crash.Hold{}, decision)
	require.True(t, s.crashEngine.IsDisabled("svc"))

	err := s.Start("svc", false)
	require.ErrorIs(t, err, ErrDisabled)

	require.NoError(t, s.ForceEnable("svc"))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("svc")
		return st == StateStarting || st == StateRunning
	})
}

func TestCascadeShutdownStopsDependentsWithoutDisablingThem(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSupervisor(t, pub)
	require.NoError(t, s.Register(Config{Name: "api", Command: "sleep 2", StartGrace: 10 * time.Millisecond}))
	require.NoError(t, s.Register(Config{
		Name: "db", Command: "false", Dependencies: nil,
		CrashPolicy: crash.Policy{MaxCrashes: 1, Action: crash.ActionKillDependencies},
	}))
	require.NoError(t, s.graph.SetDependencies("api", []string{"db"}))

	// db is not running yet, so api is started with the dependency check
	// overridden.
	require.NoError(t, s.Start("api", true))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("api")
		return st == StateRunning
	})

	require.NoError(t, s.Start("db", false))
	waitFor(t, time.Second, func() bool {
		st, _ := s.State("db")
		return st == StateDisabled
	})
	waitFor(t, 2*time.Second, func() bool {
		st, _ := s.State("api")
		return st == StateStopping || st == StateStopped
	})
	require.False(t, s.crashEngine.IsDisabled("api"))
}

func TestStartAllHonorsTopoOrder(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{Name: "web", Command: "true", Dependencies: []string{"api"}}))
	require.NoError(t, s.Register(Config{Name: "api", Command: "true", Dependencies: []string{"db"}}))
	require.NoError(t, s.Register(Config{Name: "db", Command: "true"}))

	err := s.StartAll()
	require.NoError(t, err)
}

func TestDeregisterRemovesInstance(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Config{Name: "svc", Command: "true"}))
	s.Deregister("svc")
	_, err := s.State("svc")
	require.ErrorIs(t, err, ErrUnknownProcess)
}
