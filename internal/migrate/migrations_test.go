package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"quorumledger/internal/db"
	"quorumledger/internal/events"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	v1, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	v2, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	var next int
	require.NoError(t, conn.QueryRow(`SELECT next_id FROM task_seq`).Scan(&next))
	require.Equal(t, 1, next)
	var rows int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM task_seq`).Scan(&rows))
	require.Equal(t, 1, rows)
}

func TestEventWriterMatchesSchema(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	_, err = Migrate(ctx, conn)
	require.NoError(t, err)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	id, err := events.Writer{}.Append(ctx, tx, events.Entry{
		Type:       "TaskCreated",
		Emitter:    "0x00000000000000000000000000000000000000aa",
		EntityKind: "task",
		EntityID:   "1",
		ActorID:    "0x0000000000000000000000000000000000000001",
		Payload:    events.Payload{"kind": "operational"},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, int64(1), id)

	var actor, emitter, payload string
	require.NoError(t, conn.QueryRow(`SELECT actor_id, emitter, payload_json FROM events WHERE id=?`, id).
		Scan(&actor, &emitter, &payload))
	require.Equal(t, "0x0000000000000000000000000000000000000001", actor)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", emitter)
	require.JSONEq(t, `{"kind":"operational"}`, payload)
}
