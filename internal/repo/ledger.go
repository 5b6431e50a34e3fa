package repo

import (
	"context"
	"database/sql"
	"errors"

	"quorumledger/internal/domain"
)

func (r Repo) InsertLedgerMeta(ctx context.Context, tx *sql.Tx, info domain.LedgerInfo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_meta(id,address,task_manager,name,symbol,decimals,total_supply,deployed_at) VALUES (1,?,?,?,?,?,?,?)`,
		info.Address, info.TaskManager, info.Name, info.Symbol, info.Decimals, int64(info.TotalSupply), info.DeployedAt)
	return err
}

// GetLedgerMeta returns ErrNotFound until the ledger is deployed. tx may be nil.
func (r Repo) GetLedgerMeta(ctx context.Context, tx *sql.Tx) (domain.LedgerInfo, error) {
	var info domain.LedgerInfo
	var supply int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT address,task_manager,name,symbol,decimals,total_supply,deployed_at FROM ledger_meta WHERE id=1`).
		Scan(&info.Address, &info.TaskManager, &info.Name, &info.Symbol, &info.Decimals, &supply, &info.DeployedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return info, ErrNotFound
	}
	info.TotalSupply = uint64(supply)
	return info, err
}

// Balance returns 0 for unknown accounts. tx may be nil.
func (r Repo) Balance(ctx context.Context, tx *sql.Tx, addr domain.Address) (uint64, error) {
	var amount int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT amount FROM balances WHERE address=?`, addr).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(amount), err
}

func (r Repo) SetBalance(ctx context.Context, tx *sql.Tx, addr domain.Address, amount uint64) error {
	if amount == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE address=?`, addr)
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO balances(address,amount) VALUES (?,?)
ON CONFLICT(address) DO UPDATE SET amount=excluded.amount`, addr, int64(amount))
	return err
}

// SumBalances totals every account; used to check supply conservation.
func (r Repo) SumBalances(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var total int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM balances`).Scan(&total)
	return uint64(total), err
}

// LockUntil returns 0 for accounts that were never locked. tx may be nil.
func (r Repo) LockUntil(ctx context.Context, tx *sql.Tx, addr domain.Address) (int64, error) {
	var ts int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT lock_until FROM locks WHERE address=?`, addr).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ts, err
}

func (r Repo) SetLockUntil(ctx context.Context, tx *sql.Tx, addr domain.Address, ts int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO locks(address,lock_until) VALUES (?,?)
ON CONFLICT(address) DO UPDATE SET lock_until=excluded.lock_until`, addr, ts)
	return err
}

// Accounts lists every address holding a balance or a lock.
func (r Repo) Accounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.address, COALESCE(b.amount,0), COALESCE(l.lock_until,0)
FROM (SELECT address FROM balances UNION SELECT address FROM locks) a
LEFT JOIN balances b ON b.address=a.address
LEFT JOIN locks l ON l.address=a.address
ORDER BY a.address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var acc domain.Account
		var amount int64
		if err := rows.Scan(&acc.Address, &amount, &acc.LockUntil); err != nil {
			return nil, err
		}
		acc.Balance = uint64(amount)
		res = append(res, acc)
	}
	return res, rows.Err()
}
