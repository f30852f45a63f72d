package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInsertAndQuery(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	entries := []Entry{
		{OccurredAt: base, RequestID: "r1", Principal: "esc1buyer", Method: "escrow_createPayment", OrderID: "7", Status: 200, DurationMs: 3},
		{OccurredAt: base.Add(time.Second), RequestID: "r2", Principal: "esc1seller", Method: "escrow_release", OrderID: "7", Status: 403, ErrorCode: -32022, Error: "unauthorized", DurationMs: 1},
		{OccurredAt: base.Add(2 * time.Second), RequestID: "r3", Principal: "esc1buyer", Method: "token_approve", Status: 200},
	}
	for _, entry := range entries {
		require.NoError(t, store.Insert(ctx, entry))
	}

	trail, err := store.ByOrder(ctx, "7")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, "escrow_createPayment", trail[0].Method)
	require.Equal(t, -32022, trail[1].ErrorCode)
	require.Equal(t, "unauthorized", trail[1].Error)
	require.True(t, trail[1].OccurredAt.Equal(base.Add(time.Second)))

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "r3", recent[0].RequestID)
	require.Empty(t, recent[0].OrderID)
}
