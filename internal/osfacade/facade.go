// Package osfacade abstracts spawning, signaling and sampling child processes
// so the rest of the core never touches os/exec or /proc directly.
package osfacade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	gopscpu "github.com/shirou/gopsutil/v4/cpu"
	gopsload "github.com/shirou/gopsutil/v4/load"
	gopsmem "github.com/shirou/gopsutil/v4/mem"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound is returned by Sample when the pid no longer exists.
var ErrNotFound = errors.New("osfacade: process not found")

// SpawnErrorKind classifies why Spawn failed.
type SpawnErrorKind int

const (
	SpawnOther SpawnErrorKind = iota
	SpawnNotFound
	SpawnPermissionDenied
	SpawnWorkingDirMissing
)

// SpawnError wraps a classified spawn failure.
type SpawnError struct {
	Kind SpawnErrorKind
	Err  error
}

func (e *SpawnError) Error() string { return e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

func classifySpawnErr(cwd string, err error) *SpawnError {
	if cwd != "" {
		if st, statErr := os.Stat(cwd); statErr != nil || !st.IsDir() {
			return &SpawnError{Kind: SpawnWorkingDirMissing, Err: err}
		}
	}
	switch {
	case errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound):
		return &SpawnError{Kind: SpawnNotFound, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &SpawnError{Kind: SpawnPermissionDenied, Err: err}
	default:
		return &SpawnError{Kind: SpawnOther, Err: err}
	}
}

// SignalKind enumerates the signals the core may send to a managed child.
type SignalKind int

const (
	SigTerm SignalKind = iota
	SigKill
	SigInterrupt
)

// Handle carries everything the core needs to track one spawned child.
type Handle struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	pid  int
	pgid int
	exit chan struct{} // closed once after WaitExit observes termination
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) Pgid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pgid
}

// Sample is one point-in-time resource reading for a pid.
type Sample struct {
	Timestamp   time.Time
	CPUPercent  float64
	RSSBytes    uint64
	MemPercent  float64
	Threads     int32
	OpenFiles   int32
	Connections int32
	UptimeSec   float64
}

// ConnInfo describes one open socket owned by a pid.
type ConnInfo struct {
	Port int
	PID  int32
}

// HostMetrics is the thin system-wide summary consumed by external collaborators.
type HostMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage1  float64
}

// Facade is the surface the rest of the core depends on. It MUST NOT panic
// on an exited process; Sample returns ErrNotFound instead.
type Facade interface {
	Spawn(ctx context.Context, cmd, cwd string, env []string, stdout, stderr io.Writer) (*Handle, error)
	Signal(h *Handle, kind SignalKind) error
	WaitExit(h *Handle) (int, error)
	Sample(pid int) (Sample, error)
	ListConnections() ([]ConnInfo, error)
	HostMetrics() (HostMetrics, error)
}

// OS is the real, syscall-backed Facade implementation.
type OS struct{}

func New() *OS { return &OS{} }

// Spawn starts cmd (built the same way process.Spec.BuildCommand does: honor
// an explicit "sh -c ..." prefix, fall back to a shell when metacharacters
// are present, exec directly otherwise) in its own process group.
func (o *OS) Spawn(ctx context.Context, cmdStr, cwd string, env []string, stdout, stderr io.Writer) (*Handle, error) {
	cmd := buildCommand(cmdStr)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, classifySpawnErr(cwd, err)
	}
	pid := cmd.Process.Pid
	return &Handle{cmd: cmd, pid: pid, pgid: pid, exit: make(chan struct{})}, nil
}

func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(parts[0], args...)
}

// parseExplicitShell recognizes "sh -c <script>" / "/bin/sh -c <script>" at
// the start of cmdStr so Spawn never double-wraps an already-shelled command.
func parseExplicitShell(cmdStr string) (shell, script string, ok bool) {
	trimmed := strings.TrimLeft(cmdStr, " \t")
	for _, prefix := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		after := trimmed[len(prefix):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(prefix)[0], after, true
	}
	return "", "", false
}

// Signal sends kind to the process group. An already-exited process is not
// an error (ESRCH is swallowed).
func (o *OS) Signal(h *Handle, kind SignalKind) error {
	if h == nil {
		return nil
	}
	pid := h.PID()
	if pid == 0 {
		return nil
	}
	var sig syscall.Signal
	switch kind {
	case SigKill:
		sig = syscall.SIGKILL
	case SigInterrupt:
		sig = syscall.SIGINT
	default:
		sig = syscall.SIGTERM
	}
	err := syscall.Kill(-pid, sig)
	if err != nil && errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// WaitExit blocks until the child terminates. It must be called exactly once
// per handle.
func (o *OS) WaitExit(h *Handle) (int, error) {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil {
		return -1, nil
	}
	err := cmd.Wait()
	h.mu.Lock()
	if h.exit != nil {
		close(h.exit)
		h.exit = nil
	}
	h.mu.Unlock()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return -1, err
		}
	}
	return code, nil
}

// Sample reads CPU%, RSS, thread count and open-file count for pid via
// gopsutil. On Linux, a zombie child is treated as already gone.
func (o *OS) Sample(pid int) (Sample, error) {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return Sample{}, ErrNotFound
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, ErrNotFound
	}
	cpuPct, err := p.CPUPercent()
	if err != nil {
		return Sample{}, ErrNotFound
	}
	memPct, _ := p.MemoryPercent()
	var rss uint64
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	threads, _ := p.NumThreads()
	var openFiles int32
	if runtime.GOOS != "windows" {
		if fds, err := p.OpenFiles(); err == nil {
			openFiles = int32(len(fds))
		}
	}
	var conns int32
	if cs, err := p.Connections(); err == nil {
		conns = int32(len(cs))
	}
	createdMs, _ := p.CreateTime()
	uptime := 0.0
	if createdMs > 0 {
		uptime = time.Since(time.UnixMilli(createdMs)).Seconds()
	}
	return Sample{
		Timestamp:   time.Now(),
		CPUPercent:  cpuPct,
		RSSBytes:    rss,
		MemPercent:  float64(memPct),
		Threads:     int32(threads),
		OpenFiles:   openFiles,
		Connections: conns,
		UptimeSec:   uptime,
	}, nil
}

// ListConnections enumerates sockets across all processes; used by external
// collaborators (system metrics), not by the core algorithms.
func (o *OS) ListConnections() ([]ConnInfo, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	var out []ConnInfo
	for _, p := range procs {
		cs, err := p.Connections()
		if err != nil {
			continue
		}
		for _, c := range cs {
			if c.Laddr.Port == 0 {
				continue
			}
			out = append(out, ConnInfo{Port: int(c.Laddr.Port), PID: p.Pid})
		}
	}
	return out, nil
}

// HostMetrics reports a thin summary of host-wide CPU/memory/load, used by
// the GET /system/info and GET /ws/metrics "system" fields.
func (o *OS) HostMetrics() (HostMetrics, error) {
	var hm HostMetrics

	if pct, err := gopscpu.Percent(0, false); err == nil && len(pct) > 0 {
		hm.CPUPercent = pct[0]
	}

	if vm, err := gopsmem.VirtualMemory(); err == nil {
		hm.MemoryPercent = vm.UsedPercent
	}

	if avg, err := gopsload.Avg(); err == nil {
		hm.LoadAverage1 = avg.Load1
	}

	return hm, nil
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
