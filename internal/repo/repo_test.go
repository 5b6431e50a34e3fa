package repo_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"quorumledger/internal/db"
	"quorumledger/internal/domain"
	"quorumledger/internal/events"
	"quorumledger/internal/migrate"
	"quorumledger/internal/repo"
)

const stamp = "2026-01-01T00:00:00Z"

func addr(n int) domain.Address { return domain.Address(fmt.Sprintf("0x%040x", n)) }

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func TestRoleMembership(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	added, err := r.GrantRole(ctx, tx, domain.RoleApprover, addr(1), stamp)
	require.NoError(t, err)
	require.True(t, added)
	added, err = r.GrantRole(ctx, tx, domain.RoleApprover, addr(1), stamp)
	require.NoError(t, err)
	require.False(t, added)
	_, err = r.GrantRole(ctx, tx, domain.RoleApprover, addr(2), stamp)
	require.NoError(t, err)
	n, err := r.CountRole(ctx, tx, domain.RoleApprover)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, tx.Commit())

	members, err := r.RoleMembers(ctx, nil, domain.RoleApprover)
	require.NoError(t, err)
	require.Equal(t, []domain.Address{addr(1), addr(2)}, members)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	removed, err := r.RevokeRole(ctx, tx, domain.RoleApprover, addr(3))
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = r.RevokeRole(ctx, tx, domain.RoleApprover, addr(1))
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, tx.Commit())

	held, err := r.HasRole(ctx, nil, domain.RoleApprover, addr(1))
	require.NoError(t, err)
	require.False(t, held)
	seeded, err := r.AnyRoles(ctx, nil)
	require.NoError(t, err)
	require.True(t, seeded)
}

func TestTasksAndApprovals(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		id, err := r.NextTaskID(ctx, tx)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), id)
		kind := domain.TaskOperational
		if i == 1 {
			kind = domain.TaskAdministrative
		}
		require.NoError(t, r.InsertTask(ctx, tx, domain.Task{
			ID: id, Kind: kind, Creator: addr(9), State: domain.TaskCreated, CreatedAt: stamp, UpdatedAt: stamp,
		}))
	}
	require.NoError(t, r.InsertApproval(ctx, tx, 1, addr(5), stamp))
	require.NoError(t, r.InsertApproval(ctx, tx, 1, addr(4), stamp))
	require.NoError(t, tx.Commit())

	task, err := r.GetTask(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.Address{addr(5), addr(4)}, task.Approvals)
	require.True(t, task.HasApproval(addr(4)))

	_, err = r.GetTask(ctx, 99)
	require.ErrorIs(t, err, repo.ErrNotFound)

	ops, err := r.ListTasks(ctx, repo.TaskFilters{Kind: domain.TaskOperational})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, uint64(3), ops[0].ID)

	older, err := r.ListTasks(ctx, repo.TaskFilters{Cursor: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, older, 1)
	require.Equal(t, uint64(2), older[0].ID)
}

func TestUpdateMissingTask(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = r.UpdateTaskState(ctx, tx, domain.Task{ID: 7, State: domain.TaskFinalized})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestBalancesAndLocks(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetBalance(ctx, tx, addr(1), 700))
	require.NoError(t, r.SetBalance(ctx, tx, addr(2), 300))
	require.NoError(t, r.SetLockUntil(ctx, tx, addr(3), 1_800_000_000))
	require.NoError(t, tx.Commit())

	total, err := r.SumBalances(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), total)

	accounts, err := r.Accounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Account{
		{Address: addr(1), Balance: 700},
		{Address: addr(2), Balance: 300},
		{Address: addr(3), LockUntil: 1_800_000_000},
	}, accounts)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetBalance(ctx, tx, addr(2), 0))
	require.NoError(t, tx.Commit())
	bal, err := r.Balance(ctx, nil, addr(2))
	require.NoError(t, err)
	require.Zero(t, bal)

	_, err = r.GetLedgerMeta(ctx, nil)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEventQueries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		typ := domain.EventTaskCreated
		if i%2 == 1 {
			typ = domain.EventTransfer
		}
		_, err := w.Append(ctx, tx, events.Entry{
			Type: typ, Emitter: addr(100).String(), EntityKind: "task", EntityID: repo.TaskEntityID(uint64(i + 1)), ActorID: addr(1).String(),
			Payload: events.Payload{"n": i},
		})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), latest)

	transfers, err := r.LatestEvents(ctx, repo.EventFilters{Type: domain.EventTransfer})
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	require.Equal(t, int64(4), transfers[0].ID)

	after, err := r.EventsAfter(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, int64(3), after[0].ID)
	require.JSONEq(t, `{"n":2}`, after[0].Payload)
	require.Equal(t, addr(1).String(), after[0].ActorID)
	require.Equal(t, addr(100).String(), after[0].Emitter)
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", Address: addr(1), Name: "ci", KeyHash: repo.HashAPIKey("secret"), CreatedAt: stamp}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	require.ErrorIs(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", KeyHash: "x", CreatedAt: stamp}), domain.ErrZeroAddress)

	got, err := r.APIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	require.Equal(t, key, got)

	keys, err := r.ListAPIKeys(ctx, addr(2))
	require.NoError(t, err)
	require.Empty(t, keys)
	keys, err = r.ListAPIKeys(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	require.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
}
