package repo

import (
	"context"
	"database/sql"

	"quorumledger/internal/domain"
)

// GrantRole adds addr to role. It reports false when addr already held it.
func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, role domain.RoleKind, addr domain.Address, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(role, address, granted_at) VALUES (?,?,?)`, role, addr, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeRole removes addr from role. It reports false when addr did not hold it.
func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, role domain.RoleKind, addr domain.Address) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE role=? AND address=?`, role, addr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) HasRole(ctx context.Context, tx *sql.Tx, role domain.RoleKind, addr domain.Address) (bool, error) {
	var one int
	err := r.on(tx).QueryRowContext(ctx, `SELECT 1 FROM roles WHERE role=? AND address=?`, role, addr).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) CountRole(ctx context.Context, tx *sql.Tx, role domain.RoleKind) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE role=?`, role).Scan(&n)
	return n, err
}

// RoleMembers lists holders of role in grant order.
func (r Repo) RoleMembers(ctx context.Context, tx *sql.Tx, role domain.RoleKind) ([]domain.Address, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT address FROM roles WHERE role=? ORDER BY granted_at, rowid`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Address{}
	for rows.Next() {
		var a domain.Address
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AnyRoles reports whether any role row exists, i.e. the committee was bootstrapped.
func (r Repo) AnyRoles(ctx context.Context, tx *sql.Tx) (bool, error) {
	var n int
	if err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
