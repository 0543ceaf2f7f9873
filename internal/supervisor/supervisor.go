// Package supervisor implements the Process Supervisor state machine:
// seven states per process, serialized through a per-process mailbox so
// cascades from the Crash Engine are delivered as messages instead of
// being executed while holding another process's lock.
//
// Grounded on internal/manager/handler.go's ctrl-channel run loop (CtrlMsg
// + single consumer goroutine) and internal/manager/supervisor.go's
// tryAutoStart/waitAndHandleExit split, generalized from a free-running
// poll + retry loop into an explicit state machine driven by the Crash
// Engine's decisions.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/processguard/processguard/internal/crash"
	"github.com/processguard/processguard/internal/depgraph"
	"github.com/processguard/processguard/internal/logs"
	"github.com/processguard/processguard/internal/osfacade"
	"github.com/processguard/processguard/internal/sampler"
)

// State is one of the seven lifecycle states of a supervised process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
	StateDisabled
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownProcess = errors.New("supervisor: unknown process")
	ErrDisabled       = errors.New("supervisor: process is disabled")
	ErrQuarantined    = errors.New("supervisor: process is quarantined")
)

// DependencyNotReadyError is returned by Start when a dependency is not in
// the Running state and ignore_dependencies is not set.
type DependencyNotReadyError struct{ Missing []string }

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("supervisor: dependencies not ready: %v", e.Missing)
}

// AlertPublisher decouples the Supervisor from the concrete Alert Bus type,
// mirroring the crash package's AlertRequest decoupling.
type AlertPublisher interface {
	Publish(kind string, severity, process, message string, metadata map[string]string)
}

// AuditRecorder persists control-plane actions; nil disables auditing.
type AuditRecorder interface {
	RecordAction(ctx context.Context, process, action, detail string)
}

// Config is the static, per-process configuration.
type Config struct {
	Name               string             `json:"name"`
	Command            string             `json:"command"`
	Cwd                string             `json:"cwd"`
	Env                []string           `json:"env"`
	Dependencies       []string           `json:"dependencies"`
	IgnoreDependencies bool               `json:"ignore_dependencies"`
	CrashPolicy        crash.Policy       `json:"crash_policy"`
	Thresholds         sampler.Thresholds `json:"thresholds"`
	RingCapacity       int                `json:"ring_capacity"`
	GracefulShutdown   time.Duration      `json:"graceful_shutdown"` // default 10s
	StartGrace         time.Duration      `json:"start_grace"`       // default 1s
}

func (c Config) gracefulShutdown() time.Duration {
	if c.GracefulShutdown <= 0 {
		return 10 * time.Second
	}
	return c.GracefulShutdown
}

func (c Config) startGrace() time.Duration {
	if c.StartGrace <= 0 {
		return time.Second
	}
	return c.StartGrace
}

type msgKind int

const (
	msgStart msgKind = iota
	msgStop
	msgRestart
	msgForceEnable
	msgResetCrashes
	msgChildExited
	msgDisappeared
	msgMarkRunning
	msgShutdown
)

type mailMsg struct {
	kind       msgKind
	exitCode   int
	duration   time.Duration
	force      bool // msgStop/msgRestart: skip the graceful-shutdown grace period
	ignoreDeps bool // msgStart/msgRestart: bypass the dependency gate for this call only
	reply      chan error
}

type instance struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	handle       *osfacade.Handle
	pid          int
	startedAt    time.Time
	stoppedAt    time.Time
	lastExitCode int
	restartTimer *time.Timer
	startEpoch   uint64 // bumped on every spawn, guards stale grace/exit callbacks

	mailbox chan mailMsg
}

func (in *instance) snapshotState() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Supervisor owns every tracked process instance and wires the Crash
// Engine, Log Manager, OS Facade, dependency graph and Metric Sampler
// together.
type Supervisor struct {
	facade      osfacade.Facade
	logMgr      *logs.Manager
	crashEngine *crash.Engine
	graph       *depgraph.Graph
	sampler     *sampler.Sampler
	alerts      AlertPublisher
	audit       AuditRecorder
	log         *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

func WithAlertPublisher(p AlertPublisher) Option { return func(s *Supervisor) { s.alerts = p } }
func WithAuditRecorder(a AuditRecorder) Option   { return func(s *Supervisor) { s.audit = a } }
func WithLogger(l *slog.Logger) Option           { return func(s *Supervisor) { s.log = l } }

func New(facade osfacade.Facade, logMgr *logs.Manager, crashEngine *crash.Engine, graph *depgraph.Graph, smp *sampler.Sampler, opts ...Option) *Supervisor {
	s := &Supervisor{
		facade:      facade,
		logMgr:      logMgr,
		crashEngine: crashEngine,
		graph:       graph,
		sampler:     smp,
		log:         slog.Default(),
		instances:   make(map[string]*instance),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs cfg, wiring it into the dependency graph and crash
// engine, and starts its mailbox goroutine in Stopped state. It does not
// spawn the process; call Start for that.
func (s *Supervisor) Register(cfg Config) error {
	s.graph.AddNode(cfg.Name)
	if err := s.graph.SetDependencies(cfg.Name, cfg.Dependencies); err != nil {
		return err
	}
	s.crashEngine.Register(cfg.Name, cfg.CrashPolicy)

	in := &instance{cfg: cfg, state: StateStopped, mailbox: make(chan mailMsg, 16)}
	s.mu.Lock()
	s.instances[cfg.Name] = in
	s.mu.Unlock()
	go s.runMailbox(in)
	return nil
}

// Deregister stops (if running) and removes a process entirely.
func (s *Supervisor) Deregister(name string) {
	s.mu.Lock()
	in, ok := s.instances[name]
	if ok {
		delete(s.instances, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	reply := make(chan error, 1)
	in.mailbox <- mailMsg{kind: msgShutdown, reply: reply}
	<-reply
	s.graph.RemoveNode(name)
	s.crashEngine.Deregister(name)
	s.sampler.Untrack(name)
}

func (s *Supervisor) get(name string) (*instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instances[name]
	if !ok {
		return nil, ErrUnknownProcess
	}
	return in, nil
}

// State returns the current state of name.
func (s *Supervisor) State(name string) (State, error) {
	in, err := s.get(name)
	if err != nil {
		return StateStopped, err
	}
	return in.snapshotState(), nil
}

func (s *Supervisor) send(name string, m mailMsg) error {
	in, err := s.get(name)
	if err != nil {
		return err
	}
	if m.reply == nil {
		m.reply = make(chan error, 1)
	}
	in.mailbox <- m
	return <-m.reply
}

// Start requests a transition to Running. ignoreDeps bypasses the dependency
// gate for this call only, mirroring the REST layer's ignore_dependencies
// query flag without mutating the process's registered Config.
func (s *Supervisor) Start(name string, ignoreDeps bool) error {
	err := s.send(name, mailMsg{kind: msgStart, ignoreDeps: ignoreDeps})
	s.recordAction(name, "start", err)
	return err
}

// Stop requests a stop. force skips the graceful-shutdown grace period and
// sends SIGKILL immediately instead of SIGTERM-then-escalate, mirroring the
// REST layer's force query flag.
func (s *Supervisor) Stop(name string, force bool) error {
	err := s.send(name, mailMsg{kind: msgStop, force: force})
	s.recordAction(name, "stop", err)
	return err
}

// Restart is stop then start, honoring the same force/ignoreDeps overrides
// as Stop and Start.
func (s *Supervisor) Restart(name string, force, ignoreDeps bool) error {
	err := s.send(name, mailMsg{kind: msgRestart, force: force, ignoreDeps: ignoreDeps})
	s.recordAction(name, "restart", err)
	return err
}

// ForceEnable clears disabled/quarantine flags and starts.
func (s *Supervisor) ForceEnable(name string) error {
	err := s.send(name, mailMsg{kind: msgForceEnable})
	s.recordAction(name, "force_enable", err)
	return err
}

// ResetCrashes clears the crash window and counters only.
func (s *Supervisor) ResetCrashes(name string) error {
	err := s.send(name, mailMsg{kind: msgResetCrashes})
	s.recordAction(name, "reset_crashes", err)
	return err
}

func (s *Supervisor) recordAction(name, action string, err error) {
	if s.audit == nil {
		return
	}
	detail := "ok"
	if err != nil {
		detail = "error: " + err.Error()
	}
	s.audit.RecordAction(context.Background(), name, action, detail)
}

// NotifyDisappeared implements sampler.ExitNotifier: a pid vanished between
// ticks without going through the normal wait-exit path.
func (s *Supervisor) NotifyDisappeared(name string) {
	_ = s.send(name, mailMsg{kind: msgDisappeared})
}

// ObserveUptime implements sampler.UptimeObserver, forwarding to the Crash
// Engine so its consecutive-restart counter can reset.
func (s *Supervisor) ObserveUptime(name string, uptime time.Duration) {
	s.crashEngine.OnUptimeSample(name, uptime)
}

// isDependencySatisfied reports whether every dependency of name is
// currently Running.
func (s *Supervisor) isDependencySatisfied(name string) (bool, []string) {
	deps := s.graph.Dependencies(name)
	var missing []string
	for _, d := range deps {
		in, err := s.get(d)
		if err != nil || in.snapshotState() != StateRunning {
			missing = append(missing, d)
		}
	}
	return len(missing) == 0, missing
}

func (s *Supervisor) runMailbox(in *instance) {
	for msg := range in.mailbox {
		var err error
		switch msg.kind {
		case msgStart:
			err = s.handleStart(in, msg.ignoreDeps)
		case msgStop:
			err = s.handleStop(in, msg.force)
		case msgRestart:
			_ = s.handleStop(in, msg.force)
			err = s.handleStart(in, msg.ignoreDeps)
		case msgForceEnable:
			s.crashEngine.ForceEnable(in.cfg.Name)
			err = s.handleStart(in, false)
		case msgResetCrashes:
			s.crashEngine.ResetCrashes(in.cfg.Name)
		case msgChildExited:
			s.handleChildExited(in, msg.exitCode, msg.duration)
		case msgDisappeared:
			s.handleChildExited(in, -1, time.Since(in.startedAtSafe()))
		case msgMarkRunning:
			s.handleMarkRunning(in, msg.exitCode /* epoch smuggled through exitCode */)
		case msgShutdown:
			_ = s.handleStop(in, false)
			if msg.reply != nil {
				msg.reply <- nil
			}
			return
		}
		if msg.reply != nil {
			msg.reply <- err
		}
	}
}

func (in *instance) startedAtSafe() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.startedAt
}

func (s *Supervisor) handleStart(in *instance, ignoreDeps bool) error {
	in.mu.Lock()
	state := in.state
	in.mu.Unlock()
	if state == StateRunning || state == StateStarting {
		return nil
	}
	if s.crashEngine.IsDisabled(in.cfg.Name) {
		return ErrDisabled
	}
	if until := s.crashEngine.QuarantinedUntil(in.cfg.Name); !until.IsZero() && until.After(time.Now()) {
		return ErrQuarantined
	}
	if !in.cfg.IgnoreDependencies && !ignoreDeps {
		if ok, missing := s.isDependencySatisfied(in.cfg.Name); !ok {
			return &DependencyNotReadyError{Missing: missing}
		}
	}

	stdout, stderr, err := s.logMgr.Writers(in.cfg.Name)
	if err != nil {
		return err
	}
	handle, err := s.facade.Spawn(context.Background(), in.cfg.Command, in.cfg.Cwd, in.cfg.Env, stdout, stderr)
	if err != nil {
		in.mu.Lock()
		in.state = StateFailed
		in.mu.Unlock()
		if s.alerts != nil {
			s.alerts.Publish("process_crashed", "critical", in.cfg.Name, "spawn failed: "+err.Error(), nil)
		}
		return err
	}

	in.mu.Lock()
	in.handle = handle
	in.pid = handle.PID()
	in.startedAt = time.Now()
	in.state = StateStarting
	in.startEpoch++
	epoch := in.startEpoch
	in.mu.Unlock()

	s.sampler.Track(in.cfg.Name, in.pid, in.cfg.Thresholds, in.cfg.RingCapacity)

	go s.waitExit(in, handle, epoch)
	go s.promoteAfterGrace(in, epoch)
	return nil
}

func (s *Supervisor) waitExit(in *instance, handle *osfacade.Handle, epoch uint64) {
	code, _ := s.facade.WaitExit(handle)
	in.mu.Lock()
	current := in.startEpoch
	started := in.startedAt
	in.mu.Unlock()
	if current != epoch {
		return // superseded by a later start; stale waiter
	}
	duration := time.Since(started)
	in.mailbox <- mailMsg{kind: msgChildExited, exitCode: code, duration: duration, reply: make(chan error, 1)}
}

func (s *Supervisor) promoteAfterGrace(in *instance, epoch uint64) {
	time.Sleep(in.cfg.startGrace())
	in.mailbox <- mailMsg{kind: msgMarkRunning, exitCode: int(epoch), reply: make(chan error, 1)}
}

func (s *Supervisor) handleMarkRunning(in *instance, epoch int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.startEpoch != uint64(epoch) {
		return
	}
	if in.state == StateStarting {
		in.state = StateRunning
	}
}

func (s *Supervisor) handleStop(in *instance, force bool) error {
	in.mu.Lock()
	state := in.state
	handle := in.handle
	in.mu.Unlock()
	if state != StateRunning && state != StateStarting {
		return nil
	}

	in.mu.Lock()
	if in.restartTimer != nil {
		in.restartTimer.Stop()
		in.restartTimer = nil
	}
	in.state = StateStopping
	in.mu.Unlock()

	if handle == nil {
		return nil
	}
	if force {
		_ = s.facade.Signal(handle, osfacade.SigKill)
		return nil
	}
	_ = s.facade.Signal(handle, osfacade.SigTerm)
	go s.escalateAfterGracePeriod(in, handle)
	return nil
}

func (s *Supervisor) escalateAfterGracePeriod(in *instance, handle *osfacade.Handle) {
	time.Sleep(in.cfg.gracefulShutdown())
	in.mu.Lock()
	stillStopping := in.state == StateStopping && in.handle == handle
	in.mu.Unlock()
	if stillStopping {
		_ = s.facade.Signal(handle, osfacade.SigKill)
	}
}

// handleChildExited is invoked both for a normal reaped exit and for a
// synthetic "disappeared" sample failure (exitCode -1).
func (s *Supervisor) handleChildExited(in *instance, exitCode int, duration time.Duration) {
	in.mu.Lock()
	wasStopping := in.state == StateStopping
	name := in.cfg.Name
	in.handle = nil
	in.pid = 0
	in.stoppedAt = time.Now()
	in.lastExitCode = exitCode
	in.mu.Unlock()

	s.sampler.Untrack(name)

	if wasStopping {
		in.mu.Lock()
		in.state = StateStopped
		in.mu.Unlock()
		return
	}

	decision, alertReqs := s.crashEngine.OnExit(name, exitCode, duration)
	for _, ar := range alertReqs {
		if s.alerts != nil {
			s.alerts.Publish(ar.Kind, ar.Severity, ar.Process, ar.Message, ar.Metadata)
		}
		if s.audit != nil {
			s.audit.RecordAction(context.Background(), ar.Process, ar.Kind, ar.Message)
		}
	}

	switch d := decision.(type) {
	case crash.RestartAfter:
		in.mu.Lock()
		in.state = StateFailed
		timer := time.AfterFunc(d.Delay, func() {
			in.mailbox <- mailMsg{kind: msgStart, reply: make(chan error, 1)}
		})
		in.restartTimer = timer
		in.mu.Unlock()
	case crash.CascadeShutdown:
		in.mu.Lock()
		in.state = StateDisabled
		in.mu.Unlock()
		for _, victim := range d.Victims {
			s.enqueueCascadeStop(victim)
		}
	default: // Hold
		in.mu.Lock()
		switch {
		case s.crashEngine.IsDisabled(name):
			in.state = StateDisabled
		case s.crashEngine.QuarantinedUntil(name).After(time.Now()):
			in.state = StateQuarantined
		default:
			in.state = StateFailed
		}
		in.mu.Unlock()
	}
}

// enqueueCascadeStop stops a cascade victim without disabling it.
func (s *Supervisor) enqueueCascadeStop(name string) {
	in, err := s.get(name)
	if err != nil {
		return
	}
	in.mailbox <- mailMsg{kind: msgStop, reply: make(chan error, 1)}
}

// Snapshot is an external, read-only view of one instance.
type Snapshot struct {
	Name      string
	State     State
	PID       int
	StartedAt time.Time
	StoppedAt time.Time
	ExitCode  int
}

func (s *Supervisor) Snapshot(name string) (Snapshot, error) {
	in, err := s.get(name)
	if err != nil {
		return Snapshot{}, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return Snapshot{
		Name:      in.cfg.Name,
		State:     in.state,
		PID:       in.pid,
		StartedAt: in.startedAt,
		StoppedAt: in.stoppedAt,
		ExitCode:  in.lastExitCode,
	}, nil
}

// Names returns every registered process name.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instances))
	for name := range s.instances {
		out = append(out, name)
	}
	return out
}

// StartAll starts every process in topological order, dependencies before
// dependents.
func (s *Supervisor) StartAll() error {
	order, err := s.graph.TopoOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		if _, err := s.get(name); err != nil {
			continue // node in graph but not registered as an instance (shouldn't happen)
		}
		if err := s.Start(name, false); err != nil {
			s.log.Warn("auto-start failed", "process", name, "err", err)
		}
	}
	return nil
}
