// Package auth answers role questions inside the caller's transaction.
package auth

import (
	"context"
	"database/sql"
	"fmt"

	"quorumledger/internal/domain"
	"quorumledger/internal/repo"
)

// ForbiddenError reports that an address lacks a role an operation needs.
type ForbiddenError struct {
	Role    domain.RoleKind
	Address domain.Address
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s: %s role required for %s", domain.ErrUnauthorized, e.Role, e.Address)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrUnauthorized }

// Service provides role checks backed by SQL.
type Service struct {
	Repo repo.Repo
}

func (s Service) HasRole(ctx context.Context, tx *sql.Tx, role domain.RoleKind, addr domain.Address) (bool, error) {
	return s.Repo.HasRole(ctx, tx, role, addr)
}

// Require fails with ForbiddenError unless addr holds role.
func (s Service) Require(ctx context.Context, tx *sql.Tx, role domain.RoleKind, addr domain.Address) error {
	ok, err := s.Repo.HasRole(ctx, tx, role, addr)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role, Address: addr}
	}
	return nil
}

// RequireAny fails unless addr holds at least one of roles. The error names
// the first role.
func (s Service) RequireAny(ctx context.Context, tx *sql.Tx, addr domain.Address, roles ...domain.RoleKind) error {
	for _, role := range roles {
		ok, err := s.Repo.HasRole(ctx, tx, role, addr)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	if len(roles) == 0 {
		return fmt.Errorf("%w: no role accepted", domain.ErrUnauthorized)
	}
	return ForbiddenError{Role: roles[0], Address: addr}
}

// RolesOf lists the roles held by addr in the canonical order.
func (s Service) RolesOf(ctx context.Context, tx *sql.Tx, addr domain.Address) ([]domain.RoleKind, error) {
	var held []domain.RoleKind
	for _, role := range domain.Roles {
		ok, err := s.Repo.HasRole(ctx, tx, role, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			held = append(held, role)
		}
	}
	return held, nil
}

// EligibleApprovals counts the approvals on t cast by addresses that still
// hold the approver role for its kind, and returns the committee size.
func (s Service) EligibleApprovals(ctx context.Context, tx *sql.Tx, t domain.Task) (approvals, committee int, err error) {
	role := t.Kind.ApproverRole()
	committee, err = s.Repo.CountRole(ctx, tx, role)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range t.Approvals {
		ok, err := s.Repo.HasRole(ctx, tx, role, a)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			approvals++
		}
	}
	return approvals, committee, nil
}
