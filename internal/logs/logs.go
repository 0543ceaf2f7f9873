// Package logs implements the Log Manager: per-process
// rotating stdout/stderr files and tail reads. Grounded on
// internal/logger/logger.go, which already wires gopkg.in/natefinch/
// lumberjack.v2 for rotation.
package logs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultRotateBytes = 10 * 1024 * 1024
	DefaultRotateKeep  = 5
)

// Config describes where a process's stdout/stderr are written.
type Config struct {
	Dir         string
	RotateBytes int64
	RotateKeep  int
}

func (c Config) megabytes() int {
	b := c.RotateBytes
	if b <= 0 {
		b = DefaultRotateBytes
	}
	mb := b / (1024 * 1024)
	if mb <= 0 {
		mb = 1
	}
	return int(mb)
}

func (c Config) keep() int {
	if c.RotateKeep <= 0 {
		return DefaultRotateKeep
	}
	return c.RotateKeep
}

// Paths returns the canonical stdout/stderr file paths for a process name.
func (c Config) Paths(name string) (stdout, stderr string) {
	return filepath.Join(c.Dir, name+".out"), filepath.Join(c.Dir, name+".err")
}

// Manager owns rotating log files for every supervised process.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Writers opens (creating if needed) append-only, rotating stdout/stderr
// writers for name.
func (m *Manager) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if m.cfg.Dir != "" {
		if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	stdoutPath, stderrPath := m.cfg.Paths(name)
	out := &lj.Logger{
		Filename:   stdoutPath,
		MaxSize:    m.cfg.megabytes(),
		MaxBackups: m.cfg.keep(),
	}
	errw := &lj.Logger{
		Filename:   stderrPath,
		MaxSize:    m.cfg.megabytes(),
		MaxBackups: m.cfg.keep(),
	}
	return out, errw, nil
}

// Tail returns the last n lines written to name's stdout file, spanning into
// the immediately previous rotated backup when the current file alone
// doesn't have enough lines.
func (m *Manager) Tail(name string, n int) ([]string, error) {
	stdoutPath, _ := m.cfg.Paths(name)
	return tailFile(stdoutPath, n)
}

// TailFile tails whichever stream (out/err) path is requested directly.
// The control plane's /logs/recent route uses Manager.Tail instead.
func TailFile(path string, n int) ([]string, error) { return tailFile(path, n) }

func tailFile(path string, n int) ([]string, error) {
	lines, err := readAllLines(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(lines) < n {
		if prev, ok := latestBackup(path); ok {
			prevLines, err := readAllLines(prev)
			if err == nil {
				lines = append(prevLines, lines...)
			}
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// latestBackup finds the most recently rotated lumberjack backup for path:
// the lexically greatest file alongside it whose name starts with "<base>-"
// (lumberjack names backups "<base>-<timestamp><ext>").
func latestBackup(path string) (string, bool) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	prefix := filepath.Base(base) + "-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var best string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if best == "" || e.Name() > best {
			best = e.Name()
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(dir, best), true
}

func readAllLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return lines, fmt.Errorf("tail %s: %w", path, err)
	}
	return lines, nil
}
