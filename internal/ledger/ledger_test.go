package ledger_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quorumledger/internal/db"
	"quorumledger/internal/domain"
	"quorumledger/internal/engine"
	"quorumledger/internal/ledger"
	"quorumledger/internal/migrate"
	"quorumledger/internal/quorum"
	"quorumledger/internal/repo"
)

func addr(n int) domain.Address {
	return domain.Address(fmt.Sprintf("0x%040x", n))
}

func addrs(from, count int) []domain.Address {
	out := make([]domain.Address, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, addr(from+i))
	}
	return out
}

var (
	taskManager = addr(0xff00)
	tokenAddr   = addr(0xff01)
	supply      = ledger.DefaultMetadata().TotalSupply
	epoch       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	Ctx    context.Context
	Engine engine.Engine
	Ledger ledger.Ledger
	C      engine.Committee
	clock  *time.Time
}

func (env *testEnv) at(t time.Time) { *env.clock = t }

func newEnv(t *testing.T, deploy, registerFinalizer bool) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	clock := epoch
	now := func() time.Time { return clock }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := engine.New(conn, taskManager, quorum.Majority{}, logger)
	eng.Now = now
	c := engine.Committee{
		Admins:    addrs(1, 5),
		Creators:  addrs(20, 1),
		Approvers: addrs(30, 3),
		Executors: addrs(40, 1),
	}
	require.NoError(t, eng.Bootstrap(ctx, c))

	led := ledger.New(conn, eng, tokenAddr, taskManager, ledger.DefaultMetadata(), logger)
	led.Now = now
	env := &testEnv{Ctx: ctx, Engine: eng, Ledger: led, C: c, clock: &clock}
	if deploy {
		_, err := led.Deploy(ctx)
		require.NoError(t, err)
	}
	if registerFinalizer {
		task, err := eng.CreateTask(ctx, c.Admins[0], domain.TaskAdministrative, "")
		require.NoError(t, err)
		for _, a := range c.Admins[:3] {
			_, err = eng.ApproveTask(ctx, a, task.ID)
			require.NoError(t, err)
		}
		_, err = eng.AddFinalizer(ctx, task.ID, c.Admins[0], tokenAddr)
		require.NoError(t, err)
	}
	return env
}

func (env *testEnv) approvedOpTask(t *testing.T) uint64 {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, env.C.Creators[0], domain.TaskOperational, "ipfs://batch")
	require.NoError(t, err)
	for _, a := range env.C.Approvers[:2] {
		task, err = env.Engine.ApproveTask(env.Ctx, a, task.ID)
		require.NoError(t, err)
	}
	require.Equal(t, domain.TaskApproved, task.State)
	return task.ID
}

func (env *testEnv) balance(t *testing.T, a domain.Address) uint64 {
	t.Helper()
	b, err := env.Ledger.BalanceOf(env.Ctx, a)
	require.NoError(t, err)
	return b
}

func (env *testEnv) lock(t *testing.T, a domain.Address) int64 {
	t.Helper()
	l, err := env.Ledger.LockOf(env.Ctx, a)
	require.NoError(t, err)
	return l
}

func (env *testEnv) taskState(t *testing.T, id uint64) domain.TaskState {
	t.Helper()
	task, err := env.Engine.GetTask(env.Ctx, id)
	require.NoError(t, err)
	return task.State
}

func TestDeploy(t *testing.T) {
	env := newEnv(t, false, false)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)

	info, err := env.Ledger.Deploy(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, "Qlindo Realestate Investment Token", info.Name)
	require.Equal(t, "QLINDO", info.Symbol)
	require.Equal(t, uint8(0), info.Decimals)
	require.Equal(t, taskManager, info.TaskManager)
	require.Equal(t, supply, env.balance(t, taskManager))

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, before)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, domain.EventTaskManagerChanged, evts[0].Type)
	require.Equal(t, domain.EventTransfer, evts[1].Type)
	require.Equal(t, tokenAddr.String(), evts[1].Emitter)

	_, err = env.Ledger.Deploy(env.Ctx)
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	require.NoError(t, env.Ledger.Audit(env.Ctx))
}

func TestDeployRejectsZeroTaskManager(t *testing.T) {
	env := newEnv(t, false, false)
	l := env.Ledger
	l.TaskManager = domain.ZeroAddress
	_, err := l.Deploy(env.Ctx)
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	_, err = env.Ledger.Info(env.Ctx)
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestBatchTransferWithLock(t *testing.T) {
	env := newEnv(t, true, true)
	id := env.approvedOpTask(t)
	ts := epoch.Unix()
	recipients := addrs(100, 3)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)

	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, recipients,
		[]uint64{1000, 2500, 3400}, []int64{ts + 1000, ts + 2000, ts + 3000})
	require.NoError(t, err)

	require.Equal(t, supply-6900, env.balance(t, taskManager))
	require.Equal(t, uint64(1000), env.balance(t, recipients[0]))
	require.Equal(t, uint64(2500), env.balance(t, recipients[1]))
	require.Equal(t, uint64(3400), env.balance(t, recipients[2]))
	require.Equal(t, ts+2000, env.lock(t, recipients[1]))
	require.Equal(t, domain.TaskFinalized, env.taskState(t, id))

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, before)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{
		domain.EventTransfer, domain.EventLockTsChanged,
		domain.EventTransfer, domain.EventLockTsChanged,
		domain.EventTransfer, domain.EventLockTsChanged,
		domain.EventTaskFinalized, domain.EventTaskExecuted,
	}, types)
	require.Equal(t, taskManager.String(), evts[7].Emitter)
	require.Contains(t, evts[7].Payload, tokenAddr.String())

	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, recipients[:1], []uint64{1}, []int64{0})
	require.ErrorIs(t, err, domain.ErrTaskAlreadyFinalized)
	require.NoError(t, env.Ledger.Audit(env.Ctx))
}

func TestBatchCheckOrder(t *testing.T) {
	env := newEnv(t, true, true)
	id := env.approvedOpTask(t)
	one := addrs(100, 1)

	// executor is checked before anything else, even malformed input
	err := env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Approvers[0], id, nil, []uint64{1}, nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], 999, nil, []uint64{1}, nil)
	require.ErrorIs(t, err, domain.ErrTaskNotFound)

	admin, err := env.Engine.CreateTask(env.Ctx, env.C.Admins[0], domain.TaskAdministrative, "")
	require.NoError(t, err)
	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], admin.ID, one, []uint64{1}, []int64{0})
	require.ErrorIs(t, err, domain.ErrWrongTaskKind)

	pending, err := env.Engine.CreateTask(env.Ctx, env.C.Creators[0], domain.TaskOperational, "")
	require.NoError(t, err)
	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], pending.ID, one, []uint64{1}, []int64{0})
	require.ErrorIs(t, err, domain.ErrTaskNotApproved)

	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, one, []uint64{1, 2}, []int64{0})
	require.ErrorIs(t, err, domain.ErrLengthMismatch)
	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, nil, []uint64{1}, []int64{0})
	require.ErrorIs(t, err, domain.ErrLengthMismatch)
	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, nil, nil, nil)
	require.ErrorIs(t, err, domain.ErrEmptyInput)

	require.Equal(t, domain.TaskApproved, env.taskState(t, id))
}

func TestBatchIsAtomic(t *testing.T) {
	env := newEnv(t, true, true)
	id := env.approvedOpTask(t)
	good := addrs(100, 2)
	exec := env.C.Executors[0]

	cases := []struct {
		name       string
		recipients []domain.Address
		amounts    []uint64
		want       error
	}{
		{"zero recipient", []domain.Address{good[0], domain.ZeroAddress, good[1]}, []uint64{1, 2, 3}, domain.ErrZeroAddress},
		{"task manager recipient", []domain.Address{good[0], taskManager}, []uint64{1, 2}, domain.ErrInvalidTarget},
		{"over supply", []domain.Address{good[0], good[1]}, []uint64{supply, 1}, domain.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			locks := make([]int64, len(tc.recipients))
			locks[0] = epoch.Unix() + 50
			err := env.Ledger.DoBatchTransferWithLock(env.Ctx, exec, id, tc.recipients, tc.amounts, locks)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, supply, env.balance(t, taskManager))
			require.Zero(t, env.balance(t, good[0]))
			require.Zero(t, env.lock(t, good[0]))
			require.Equal(t, domain.TaskApproved, env.taskState(t, id))
		})
	}
}

func TestLedgerMustBeFinalizer(t *testing.T) {
	env := newEnv(t, true, false)
	id := env.approvedOpTask(t)
	err := env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, addrs(100, 1), []uint64{1}, []int64{0})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.Equal(t, domain.TaskApproved, env.taskState(t, id))
}

func TestLockSemantics(t *testing.T) {
	env := newEnv(t, true, true)
	holder, other := addr(100), addr(101)
	ts := epoch.Unix()

	require.NoError(t, env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], env.approvedOpTask(t),
		[]domain.Address{holder}, []uint64{500}, []int64{ts + 1000}))

	env.at(epoch.Add(999 * time.Second))
	err := env.Ledger.Transfer(env.Ctx, holder, other, 10)
	require.ErrorIs(t, err, domain.ErrAccountLocked)

	env.at(epoch.Add(1000 * time.Second))
	require.NoError(t, env.Ledger.Transfer(env.Ctx, holder, other, 10))
	require.Equal(t, uint64(490), env.balance(t, holder))
	require.Equal(t, uint64(10), env.balance(t, other))

	// a zero lock in a batch keeps the existing lock
	require.NoError(t, env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], env.approvedOpTask(t),
		[]domain.Address{other}, []uint64{5}, []int64{ts + 5000}))
	require.NoError(t, env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], env.approvedOpTask(t),
		[]domain.Address{other}, []uint64{5}, []int64{0}))
	require.Equal(t, ts+5000, env.lock(t, other))

	// re-sending the current lock pays out but does not announce a lock change
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	require.NoError(t, env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], env.approvedOpTask(t),
		[]domain.Address{other}, []uint64{5}, []int64{ts + 5000}))
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, before)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		if e.Emitter == tokenAddr.String() {
			types = append(types, e.Type)
		}
	}
	require.Equal(t, []string{domain.EventTransfer}, types)
	require.Equal(t, ts+5000, env.lock(t, other))

	// updateLockTs with zero clears it
	require.NoError(t, env.Ledger.UpdateLockTs(env.Ctx, env.C.Executors[0], env.approvedOpTask(t),
		[]domain.Address{other}, []int64{0}))
	require.Zero(t, env.lock(t, other))
	require.NoError(t, env.Ledger.Transfer(env.Ctx, other, holder, 20))
	require.NoError(t, env.Ledger.Audit(env.Ctx))
}

func TestUpdateLockTs(t *testing.T) {
	env := newEnv(t, true, true)
	accounts := addrs(100, 2)
	id := env.approvedOpTask(t)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)

	err = env.Ledger.UpdateLockTs(env.Ctx, env.C.Executors[0], id, accounts, []int64{1})
	require.ErrorIs(t, err, domain.ErrLengthMismatch)
	err = env.Ledger.UpdateLockTs(env.Ctx, env.C.Executors[0], id, nil, nil)
	require.ErrorIs(t, err, domain.ErrEmptyInput)

	require.NoError(t, env.Ledger.UpdateLockTs(env.Ctx, env.C.Executors[0], id, accounts, []int64{7, 8}))
	require.Equal(t, int64(8), env.lock(t, accounts[1]))

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: domain.EventLockTsChanged, Emitter: tokenAddr.String()})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Greater(t, evts[0].ID, before)

	err = env.Ledger.UpdateLockTs(env.Ctx, env.C.Executors[0], id, accounts, []int64{0, 0})
	require.ErrorIs(t, err, domain.ErrTaskAlreadyFinalized)
}

func TestTransferRejections(t *testing.T) {
	env := newEnv(t, true, true)
	holder := addr(100)
	require.NoError(t, env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], env.approvedOpTask(t),
		[]domain.Address{holder}, []uint64{50}, []int64{0}))

	require.ErrorIs(t, env.Ledger.Transfer(env.Ctx, holder, domain.ZeroAddress, 1), domain.ErrZeroAddress)
	require.ErrorIs(t, env.Ledger.Transfer(env.Ctx, holder, taskManager, 1), domain.ErrInvalidTarget)
	require.ErrorIs(t, env.Ledger.Transfer(env.Ctx, taskManager, holder, 1), domain.ErrUnauthorized)
	require.ErrorIs(t, env.Ledger.Transfer(env.Ctx, holder, addr(101), 51), domain.ErrInsufficientBalance)

	require.NoError(t, env.Ledger.Transfer(env.Ctx, holder, addr(101), 0))
	require.NoError(t, env.Ledger.Transfer(env.Ctx, holder, holder, 50))
	require.Equal(t, uint64(50), env.balance(t, holder))
	require.NoError(t, env.Ledger.Audit(env.Ctx))
}

func TestReceiveNative(t *testing.T) {
	env := newEnv(t, true, false)
	err := env.Ledger.ReceiveNative(env.Ctx, addr(5), 1)
	require.ErrorIs(t, err, domain.ErrCannotAcceptValue)
}

func TestAdminCanFinalizeOperationalTaskDirectly(t *testing.T) {
	env := newEnv(t, true, true)
	id := env.approvedOpTask(t)
	_, err := env.Engine.FinalizeTask(env.Ctx, env.C.Admins[1], id, "handled elsewhere")
	require.NoError(t, err)

	err = env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id, addrs(100, 1), []uint64{1}, []int64{0})
	require.ErrorIs(t, err, domain.ErrTaskAlreadyFinalized)
	require.Equal(t, supply, env.balance(t, taskManager))
}

type countingTasks struct {
	ledger.TaskExecutor
	checks int
}

func (c *countingTasks) CheckExecutableTx(ctx context.Context, tx *sql.Tx, callerContract, executor domain.Address, id uint64) (domain.Task, error) {
	c.checks++
	return c.TaskExecutor.CheckExecutableTx(ctx, tx, callerContract, executor, id)
}

func TestTaskCheckedOncePerCall(t *testing.T) {
	env := newEnv(t, true, true)
	tasks := &countingTasks{TaskExecutor: env.Engine}
	env.Ledger.Tasks = tasks

	id := env.approvedOpTask(t)
	require.NoError(t, env.Ledger.DoBatchTransferWithLock(env.Ctx, env.C.Executors[0], id,
		[]domain.Address{addr(100)}, []uint64{10}, []int64{0}))
	require.Equal(t, 1, tasks.checks)
	require.Equal(t, domain.TaskFinalized, env.taskState(t, id))

	id = env.approvedOpTask(t)
	require.NoError(t, env.Ledger.UpdateLockTs(env.Ctx, env.C.Executors[0], id, []domain.Address{addr(100)}, []int64{42}))
	require.Equal(t, 2, tasks.checks)
	require.Equal(t, domain.TaskFinalized, env.taskState(t, id))
}

func TestExecuteRequiresCheckedTask(t *testing.T) {
	env := newEnv(t, true, true)
	task, err := env.Engine.CreateTask(env.Ctx, env.C.Creators[0], domain.TaskOperational, "")
	require.NoError(t, err)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = env.Engine.ExecuteTaskTx(env.Ctx, tx, tokenAddr, env.C.Executors[0], task)
	require.ErrorIs(t, err, domain.ErrTaskNotApproved)
}
