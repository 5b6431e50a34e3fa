// Package ledger implements the gated token ledger. Ordinary transfers are
// open to any unlocked holder; bulk distribution and lock management only
// run under an approved operational task.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"quorumledger/internal/domain"
	"quorumledger/internal/events"
	"quorumledger/internal/repo"
)

// TaskExecutor is the part of the task manager the ledger depends on. Both
// calls run inside the ledger's transaction.
type TaskExecutor interface {
	CheckExecutableTx(ctx context.Context, tx *sql.Tx, callerContract, executor domain.Address, id uint64) (domain.Task, error)
	ExecuteTaskTx(ctx context.Context, tx *sql.Tx, callerContract, executor domain.Address, t domain.Task) error
}

// Metadata is fixed at deployment.
type Metadata struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply uint64
}

func DefaultMetadata() Metadata {
	return Metadata{
		Name:        "Qlindo Realestate Investment Token",
		Symbol:      "QLINDO",
		Decimals:    0,
		TotalSupply: 10_000_000_000,
	}
}

type Ledger struct {
	DB          *sql.DB
	Repo        repo.Repo
	Tasks       TaskExecutor
	Events      events.Writer
	Address     domain.Address
	TaskManager domain.Address
	Meta        Metadata
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, tasks TaskExecutor, address, taskManager domain.Address, meta Metadata, logger *slog.Logger) Ledger {
	return Ledger{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Tasks:       tasks,
		Address:     address,
		TaskManager: taskManager,
		Meta:        meta,
		Logger:      logger,
		Now:         time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Ledger) emit(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, actor domain.Address, payload events.Payload) error {
	w := l.Events
	w.Now = l.now
	_, err := w.Append(ctx, tx, events.Entry{
		Type:       evtType,
		Emitter:    l.Address.String(),
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actor.String(),
		Payload:    payload,
	})
	return err
}

func (l Ledger) emitTransfer(ctx context.Context, tx *sql.Tx, actor, from, to domain.Address, amount uint64) error {
	return l.emit(ctx, tx, domain.EventTransfer, "account", to.String(), actor, events.Payload{
		"from":   from,
		"to":     to,
		"amount": amount,
	})
}

func (l Ledger) emitLock(ctx context.Context, tx *sql.Tx, actor, account domain.Address, lockUntil int64) error {
	return l.emit(ctx, tx, domain.EventLockTsChanged, "account", account.String(), actor, events.Payload{
		"account":    account,
		"lock_until": lockUntil,
	})
}

// Deploy persists the token metadata and mints the whole supply to the task
// manager. It emits exactly TaskManagerChanged then the mint Transfer.
func (l Ledger) Deploy(ctx context.Context) (domain.LedgerInfo, error) {
	if l.TaskManager.IsZero() {
		return domain.LedgerInfo{}, fmt.Errorf("%w: task manager address is zero", domain.ErrInvalidConfiguration)
	}
	if l.Address.IsZero() {
		return domain.LedgerInfo{}, fmt.Errorf("%w: ledger address is zero", domain.ErrInvalidConfiguration)
	}
	if l.Meta.TotalSupply > math.MaxInt64 {
		return domain.LedgerInfo{}, fmt.Errorf("%w: total supply %d out of range", domain.ErrInvalidConfiguration, l.Meta.TotalSupply)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerInfo{}, err
	}
	defer tx.Rollback()

	if _, err := l.Repo.GetLedgerMeta(ctx, tx); err == nil {
		return domain.LedgerInfo{}, fmt.Errorf("%w: ledger already deployed", domain.ErrInvalidConfiguration)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.LedgerInfo{}, err
	}
	info := domain.LedgerInfo{
		Name:        l.Meta.Name,
		Symbol:      l.Meta.Symbol,
		Decimals:    l.Meta.Decimals,
		TotalSupply: l.Meta.TotalSupply,
		TaskManager: l.TaskManager,
		Address:     l.Address,
		DeployedAt:  l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Repo.InsertLedgerMeta(ctx, tx, info); err != nil {
		return domain.LedgerInfo{}, fmt.Errorf("insert ledger meta: %w", err)
	}
	if err := l.Repo.SetBalance(ctx, tx, l.TaskManager, info.TotalSupply); err != nil {
		return domain.LedgerInfo{}, err
	}
	if err := l.emit(ctx, tx, domain.EventTaskManagerChanged, "ledger", l.Address.String(), l.Address, events.Payload{
		"task_manager": l.TaskManager,
	}); err != nil {
		return domain.LedgerInfo{}, err
	}
	if err := l.emitTransfer(ctx, tx, l.Address, domain.ZeroAddress, l.TaskManager, info.TotalSupply); err != nil {
		return domain.LedgerInfo{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LedgerInfo{}, err
	}
	l.log().Info("ledger deployed", "symbol", info.Symbol, "supply", info.TotalSupply, "task_manager", l.TaskManager)
	return info, nil
}

func (l Ledger) meta(ctx context.Context, tx *sql.Tx) (domain.LedgerInfo, error) {
	info, err := l.Repo.GetLedgerMeta(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		return info, fmt.Errorf("%w: ledger not deployed", domain.ErrInvalidConfiguration)
	}
	return info, err
}

func (l Ledger) Info(ctx context.Context) (domain.LedgerInfo, error) {
	return l.meta(ctx, nil)
}

func (l Ledger) TotalSupply(ctx context.Context) (uint64, error) {
	info, err := l.meta(ctx, nil)
	return info.TotalSupply, err
}

func (l Ledger) BalanceOf(ctx context.Context, addr domain.Address) (uint64, error) {
	return l.Repo.Balance(ctx, nil, addr)
}

func (l Ledger) LockOf(ctx context.Context, addr domain.Address) (int64, error) {
	return l.Repo.LockUntil(ctx, nil, addr)
}

func (l Ledger) Account(ctx context.Context, addr domain.Address) (domain.Account, error) {
	bal, err := l.BalanceOf(ctx, addr)
	if err != nil {
		return domain.Account{}, err
	}
	lock, err := l.LockOf(ctx, addr)
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{Address: addr, Balance: bal, LockUntil: lock}, nil
}

func (l Ledger) Accounts(ctx context.Context) ([]domain.Account, error) {
	return l.Repo.Accounts(ctx)
}

// Audit checks that balances sum to the total supply.
func (l Ledger) Audit(ctx context.Context) error {
	info, err := l.meta(ctx, nil)
	if err != nil {
		return err
	}
	sum, err := l.Repo.SumBalances(ctx, nil)
	if err != nil {
		return err
	}
	if sum != info.TotalSupply {
		return fmt.Errorf("%w: balances sum to %d, supply is %d", domain.ErrInvariantViolation, sum, info.TotalSupply)
	}
	return nil
}

// Transfer moves amount from an unlocked holder. The treasury never moves
// through here and can never be a target.
func (l Ledger) Transfer(ctx context.Context, from, to domain.Address, amount uint64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	info, err := l.meta(ctx, tx)
	if err != nil {
		return err
	}
	if to.IsZero() {
		return domain.ErrZeroAddress
	}
	if to == info.TaskManager {
		return fmt.Errorf("%w: task manager cannot receive transfers", domain.ErrInvalidTarget)
	}
	if from == info.TaskManager {
		return fmt.Errorf("%w: treasury moves only through approved tasks", domain.ErrUnauthorized)
	}
	lock, err := l.Repo.LockUntil(ctx, tx, from)
	if err != nil {
		return err
	}
	if lock > l.now().Unix() {
		return fmt.Errorf("%w until %d", domain.ErrAccountLocked, lock)
	}
	if err := l.move(ctx, tx, from, to, amount); err != nil {
		return err
	}
	if err := l.emitTransfer(ctx, tx, from, from, to, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.log().Info("transfer", "from", from, "to", to, "amount", amount)
	return nil
}

func (l Ledger) move(ctx context.Context, tx *sql.Tx, from, to domain.Address, amount uint64) error {
	fromBal, err := l.Repo.Balance(ctx, tx, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", domain.ErrInsufficientBalance, from, fromBal, amount)
	}
	if from == to || amount == 0 {
		return nil
	}
	toBal, err := l.Repo.Balance(ctx, tx, to)
	if err != nil {
		return err
	}
	if err := l.Repo.SetBalance(ctx, tx, from, fromBal-amount); err != nil {
		return err
	}
	return l.Repo.SetBalance(ctx, tx, to, toBal+amount)
}

func (l Ledger) checkTarget(info domain.LedgerInfo, to domain.Address) error {
	if to.IsZero() {
		return domain.ErrZeroAddress
	}
	if to == info.TaskManager {
		return fmt.Errorf("%w: %s is the task manager", domain.ErrInvalidTarget, to)
	}
	return nil
}

// DoBatchTransferWithLock pays recipients out of the treasury under task
// taskID. A non-zero lock sets the recipient's lock; zero leaves any existing
// lock untouched. LockTsChanged is emitted only when the lock moves. Either
// every recipient is paid and the task is consumed, or nothing changes.
func (l Ledger) DoBatchTransferWithLock(ctx context.Context, executor domain.Address, taskID uint64, recipients []domain.Address, amounts []uint64, lockTimestamps []int64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	info, err := l.meta(ctx, tx)
	if err != nil {
		return err
	}
	task, err := l.Tasks.CheckExecutableTx(ctx, tx, l.Address, executor, taskID)
	if err != nil {
		return err
	}
	if len(recipients) != len(amounts) || len(recipients) != len(lockTimestamps) {
		return fmt.Errorf("%w: %d recipients, %d amounts, %d locks", domain.ErrLengthMismatch, len(recipients), len(amounts), len(lockTimestamps))
	}
	if len(recipients) == 0 {
		return domain.ErrEmptyInput
	}
	var total uint64
	for i, to := range recipients {
		if err := l.checkTarget(info, to); err != nil {
			return fmt.Errorf("recipient %d: %w", i, err)
		}
		if lockTimestamps[i] < 0 {
			return fmt.Errorf("recipient %d: %w: negative lock timestamp", i, domain.ErrInvalidTarget)
		}
		if amounts[i] > math.MaxInt64-total {
			return fmt.Errorf("%w: batch total overflows", domain.ErrInsufficientBalance)
		}
		total += amounts[i]
	}
	for i, to := range recipients {
		if err := l.move(ctx, tx, info.TaskManager, to, amounts[i]); err != nil {
			return fmt.Errorf("recipient %d: %w", i, err)
		}
		if err := l.emitTransfer(ctx, tx, executor, info.TaskManager, to, amounts[i]); err != nil {
			return err
		}
		if lockTimestamps[i] == 0 {
			continue
		}
		current, err := l.Repo.LockUntil(ctx, tx, to)
		if err != nil {
			return err
		}
		if current == lockTimestamps[i] {
			continue
		}
		if err := l.Repo.SetLockUntil(ctx, tx, to, lockTimestamps[i]); err != nil {
			return err
		}
		if err := l.emitLock(ctx, tx, executor, to, lockTimestamps[i]); err != nil {
			return err
		}
	}
	if err := l.Tasks.ExecuteTaskTx(ctx, tx, l.Address, executor, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.log().Info("batch transfer", "task_id", taskID, "actor", executor, "recipients", len(recipients), "total", total)
	return nil
}

// UpdateLockTs sets the lock of each account under task taskID. A zero
// timestamp clears the lock.
func (l Ledger) UpdateLockTs(ctx context.Context, executor domain.Address, taskID uint64, accounts []domain.Address, lockTimestamps []int64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	info, err := l.meta(ctx, tx)
	if err != nil {
		return err
	}
	task, err := l.Tasks.CheckExecutableTx(ctx, tx, l.Address, executor, taskID)
	if err != nil {
		return err
	}
	if len(accounts) != len(lockTimestamps) {
		return fmt.Errorf("%w: %d accounts, %d locks", domain.ErrLengthMismatch, len(accounts), len(lockTimestamps))
	}
	if len(accounts) == 0 {
		return domain.ErrEmptyInput
	}
	for i, acc := range accounts {
		if err := l.checkTarget(info, acc); err != nil {
			return fmt.Errorf("account %d: %w", i, err)
		}
		if lockTimestamps[i] < 0 {
			return fmt.Errorf("account %d: %w: negative lock timestamp", i, domain.ErrInvalidTarget)
		}
	}
	for i, acc := range accounts {
		if err := l.Repo.SetLockUntil(ctx, tx, acc, lockTimestamps[i]); err != nil {
			return err
		}
		if err := l.emitLock(ctx, tx, executor, acc, lockTimestamps[i]); err != nil {
			return err
		}
	}
	if err := l.Tasks.ExecuteTaskTx(ctx, tx, l.Address, executor, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.log().Info("locks updated", "task_id", taskID, "actor", executor, "accounts", len(accounts))
	return nil
}

// ReceiveNative rejects native currency sent to the ledger.
func (l Ledger) ReceiveNative(_ context.Context, from domain.Address, value uint64) error {
	return fmt.Errorf("%w: %d from %s", domain.ErrCannotAcceptValue, value, from)
}
