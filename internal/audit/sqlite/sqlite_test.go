package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/audit"
)

func TestSQLiteStoreAppendAndRecent(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, db.EnsureSchema(ctx)) // idempotent

	now := time.Now().UTC()
	require.NoError(t, db.Append(ctx, audit.Record{Process: "svc", Action: "start", Detail: "ok", Timestamp: now}))
	require.NoError(t, db.Append(ctx, audit.Record{Process: "svc", Action: "stop", Detail: "ok", Timestamp: now.Add(time.Second)}))
	require.NoError(t, db.Append(ctx, audit.Record{Process: "other", Action: "start", Detail: "ok", Timestamp: now}))

	recs, err := db.Recent(ctx, "svc", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "stop", recs[0].Action) // newest first

	all, err := db.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestSQLiteOpenRejectsEmptyPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
