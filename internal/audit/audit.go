// Package audit persists control-plane actions (start/stop/restart/
// force-enable/reset-crashes/cascade-shutdown/alert-ack/alert-resolve) so an
// operator can answer "who force-enabled this and when".
//
// Grounded on the internal/store package: the same Store interface and
// DSN-selected-backend shape as internal/store/sqlite and
// internal/store/postgres, repurposed from persisting process start/stop
// records to persisting audit events.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Record is one persisted control-plane action.
type Record struct {
	ID        int64
	Process   string
	Action    string
	Detail    string
	Timestamp time.Time
}

// Store is the pluggable persistence interface for audit records.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, process string, limit int) ([]Record, error)
	Close() error
}

// Logger adapts a Store to supervisor.AuditRecorder and alerts' ack/resolve
// callers, recording every call and logging (not failing the caller's
// request) if persistence errors.
type Logger struct {
	store Store
	log   *slog.Logger
}

// NewLogger wraps store. If store is nil, RecordAction is a no-op, letting
// callers wire a Logger unconditionally whether or not audit is enabled.
func NewLogger(store Store, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{store: store, log: log}
}

// RecordAction implements supervisor.AuditRecorder.
func (l *Logger) RecordAction(ctx context.Context, process, action, detail string) {
	if l == nil || l.store == nil {
		return
	}
	rec := Record{Process: process, Action: action, Detail: detail, Timestamp: time.Now().UTC()}
	if err := l.store.Append(ctx, rec); err != nil {
		l.log.Warn("audit append failed", "process", process, "action", action, "err", err)
	}
}

// Recent returns the most recent audit records for process, newest first
// behavior is backend-dependent on tie-break but callers should treat the
// result as already ordered by the store.
func (l *Logger) Recent(ctx context.Context, process string, limit int) ([]Record, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	return l.store.Recent(ctx, process, limit)
}

// Close releases the underlying store, if any.
func (l *Logger) Close() error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.Close()
}
