package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/audit/sqlite"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return NewLogger(db, nil)
}

func TestLoggerRecordActionAndRecent(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	l.RecordAction(ctx, "svc", "start", "ok")
	l.RecordAction(ctx, "svc", "force_enable", "ok")

	recs, err := l.Recent(ctx, "svc", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestNilLoggerRecordActionIsNoop(t *testing.T) {
	var l *Logger
	require.NotPanics(t, func() { l.RecordAction(context.Background(), "svc", "start", "ok") })
}

func TestLoggerWithNilStoreIsNoop(t *testing.T) {
	l := NewLogger(nil, nil)
	l.RecordAction(context.Background(), "svc", "start", "ok")
	recs, err := l.Recent(context.Background(), "svc", 10)
	require.NoError(t, err)
	require.Nil(t, recs)
}
