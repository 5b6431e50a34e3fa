package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quorumledger/internal/domain"
	"quorumledger/internal/engine/auth"
	"quorumledger/internal/events"
	"quorumledger/internal/quorum"
	"quorumledger/internal/repo"
)

// Engine is the task manager. Every mutating call runs in one transaction
// and commits its state change together with the events it raises.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Auth    auth.Service
	Events  events.Writer
	Policy  quorum.Policy
	Address domain.Address
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, address domain.Address, policy quorum.Policy, logger *slog.Logger) Engine {
	r := repo.Repo{DB: db}
	if policy == nil {
		policy = quorum.Majority{}
	}
	return Engine{
		DB:      db,
		Repo:    r,
		Auth:    auth.Service{Repo: r},
		Events:  events.Writer{},
		Policy:  policy,
		Address: address,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType string, taskID uint64, actor domain.Address, payload events.Payload) error {
	return e.append(ctx, tx, events.Entry{
		Type:       evtType,
		EntityKind: "task",
		EntityID:   repo.TaskEntityID(taskID),
		ActorID:    actor.String(),
		Payload:    payload,
	})
}

func (e Engine) emitRole(ctx context.Context, tx *sql.Tx, evtType string, role domain.RoleKind, actor domain.Address, payload events.Payload) error {
	return e.append(ctx, tx, events.Entry{
		Type:       evtType,
		EntityKind: "role",
		EntityID:   string(role),
		ActorID:    actor.String(),
		Payload:    payload,
	})
}

func (e Engine) append(ctx context.Context, tx *sql.Tx, entry events.Entry) error {
	w := e.Events
	w.Now = e.now
	entry.Emitter = e.Address.String()
	_, err := w.Append(ctx, tx, entry)
	return err
}

// Committee is the initial membership of every role.
type Committee struct {
	Admins     []domain.Address `json:"admins" yaml:"admins"`
	Creators   []domain.Address `json:"creators" yaml:"creators"`
	Approvers  []domain.Address `json:"approvers" yaml:"approvers"`
	Executors  []domain.Address `json:"executors" yaml:"executors"`
	Finalizers []domain.Address `json:"finalizers" yaml:"finalizers"`
}

func (c Committee) members(role domain.RoleKind) []domain.Address {
	switch role {
	case domain.RoleAdmin:
		return c.Admins
	case domain.RoleCreator:
		return c.Creators
	case domain.RoleApprover:
		return c.Approvers
	case domain.RoleExecutor:
		return c.Executors
	case domain.RoleFinalizer:
		return c.Finalizers
	}
	return nil
}

// Bootstrap seeds the role registry. It only runs against an empty registry
// and requires at least one admin.
func (e Engine) Bootstrap(ctx context.Context, c Committee) error {
	if len(c.Admins) == 0 {
		return fmt.Errorf("%w: at least one admin is required", domain.ErrInvalidConfiguration)
	}
	if e.Address.IsZero() {
		return fmt.Errorf("%w: task manager address is zero", domain.ErrInvalidConfiguration)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seeded, err := e.Repo.AnyRoles(ctx, tx)
	if err != nil {
		return err
	}
	if seeded {
		return fmt.Errorf("%w: roles already bootstrapped", domain.ErrInvalidConfiguration)
	}
	now := e.stamp()
	for _, role := range domain.Roles {
		for _, addr := range c.members(role) {
			if addr.IsZero() {
				return fmt.Errorf("%s member: %w", role, domain.ErrZeroAddress)
			}
			added, err := e.Repo.GrantRole(ctx, tx, role, addr, now)
			if err != nil {
				return err
			}
			if !added {
				continue
			}
			if err := e.emitRole(ctx, tx, domain.EventRoleAdded, role, e.Address, events.Payload{"role": role, "address": addr}); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("role registry bootstrapped", "admins", len(c.Admins), "approvers", len(c.Approvers), "executors", len(c.Executors))
	return nil
}

// CreateTask opens a task. Administrative tasks need an admin, operational
// tasks need a creator.
func (e Engine) CreateTask(ctx context.Context, caller domain.Address, kind domain.TaskKind, detailsURI string) (domain.Task, error) {
	if !kind.Valid() {
		return domain.Task{}, fmt.Errorf("%w: %q", domain.ErrWrongTaskKind, kind)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, kind.CreatorRole(), caller); err != nil {
		return domain.Task{}, err
	}
	id, err := e.Repo.NextTaskID(ctx, tx)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.stamp()
	t := domain.Task{
		ID:         id,
		Kind:       kind,
		Creator:    caller,
		DetailsURI: detailsURI,
		State:      domain.TaskCreated,
		Approvals:  []domain.Address{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.emit(ctx, tx, domain.EventTaskCreated, id, caller, events.Payload{
		"task_id":     id,
		"kind":        kind,
		"creator":     caller,
		"details_uri": detailsURI,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", "task_id", id, "kind", kind, "actor", caller)
	return t, nil
}

func (e Engine) loadTask(ctx context.Context, tx *sql.Tx, id uint64) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return t, err
}

// quorumMet evaluates t against the current committee.
func (e Engine) quorumMet(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	approvals, committee, err := e.Auth.EligibleApprovals(ctx, tx, t)
	if err != nil {
		return false, err
	}
	return quorum.Approved(e.Policy, committee, approvals), nil
}

// promote moves a created task to approved when its current eligible
// approvals meet the current threshold.
func (e Engine) promote(ctx context.Context, tx *sql.Tx, t *domain.Task, actor domain.Address) error {
	if t.State != domain.TaskCreated {
		return nil
	}
	ok, err := e.quorumMet(ctx, tx, *t)
	if err != nil || !ok {
		return err
	}
	t.State = domain.TaskApproved
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTaskState(ctx, tx, *t); err != nil {
		return err
	}
	return e.emit(ctx, tx, domain.EventTaskApproved, t.ID, actor, events.Payload{"task_id": t.ID})
}

// ensureConsumable checks that t can be finalized now, promoting it first if
// quorum has been reached since the last vote.
func (e Engine) ensureConsumable(ctx context.Context, tx *sql.Tx, t *domain.Task, actor domain.Address) error {
	switch t.State {
	case domain.TaskFinalized:
		return fmt.Errorf("task %d: %w", t.ID, domain.ErrTaskAlreadyFinalized)
	case domain.TaskRejected:
		return fmt.Errorf("task %d: %w", t.ID, domain.ErrTaskNotPending)
	case domain.TaskCreated:
		if err := e.promote(ctx, tx, t, actor); err != nil {
			return err
		}
		if t.State != domain.TaskApproved {
			return fmt.Errorf("task %d: %w", t.ID, domain.ErrTaskNotApproved)
		}
	case domain.TaskApproved:
	default:
		return fmt.Errorf("task %d: unknown state %q", t.ID, t.State)
	}
	return nil
}

func (e Engine) finalize(ctx context.Context, tx *sql.Tx, t *domain.Task, actor domain.Address, reason string) error {
	now := e.stamp()
	t.State = domain.TaskFinalized
	t.FinalizationReason = reason
	t.UpdatedAt = now
	t.FinalizedAt = &now
	if err := e.Repo.UpdateTaskState(ctx, tx, *t); err != nil {
		return err
	}
	return e.emit(ctx, tx, domain.EventTaskFinalized, t.ID, actor, events.Payload{"task_id": t.ID, "reason": reason})
}

// ApproveTask records caller's vote. The vote that reaches quorum moves the
// task to approved; later distinct votes are recorded without a state change.
func (e Engine) ApproveTask(ctx context.Context, caller domain.Address, id uint64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.State.Terminal() {
		return t, fmt.Errorf("task %d is %s: %w", id, t.State, domain.ErrTaskNotPending)
	}
	if err := e.Auth.Require(ctx, tx, t.Kind.ApproverRole(), caller); err != nil {
		return t, err
	}
	if t.HasApproval(caller) {
		return t, fmt.Errorf("task %d: %w", id, domain.ErrAlreadyApproved)
	}
	now := e.stamp()
	if err := e.Repo.InsertApproval(ctx, tx, id, caller, now); err != nil {
		return t, fmt.Errorf("record approval: %w", err)
	}
	t.Approvals = append(t.Approvals, caller)
	t.UpdatedAt = now
	if err := e.Repo.UpdateTaskState(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.promote(ctx, tx, &t, caller); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.log().Info("task approval recorded", "task_id", id, "actor", caller, "state", t.State, "approvals", len(t.Approvals))
	return t, nil
}

// RejectTask moves a created or approved task to rejected. Admin only.
func (e Engine) RejectTask(ctx context.Context, caller domain.Address, id uint64, reason string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, domain.RoleAdmin, caller); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.State.Terminal() {
		return t, fmt.Errorf("task %d is %s: %w", id, t.State, domain.ErrTaskNotPending)
	}
	t.State = domain.TaskRejected
	t.FinalizationReason = reason
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTaskState(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.emit(ctx, tx, domain.EventTaskRejected, id, caller, events.Payload{"task_id": id, "reason": reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.log().Info("task rejected", "task_id", id, "actor", caller)
	return t, nil
}

// FinalizeTask consumes an approved task without a ledger mutation. Callers
// must be an admin or a finalizer.
func (e Engine) FinalizeTask(ctx context.Context, caller domain.Address, id uint64, reason string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireAny(ctx, tx, caller, domain.RoleAdmin, domain.RoleFinalizer); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := e.ensureConsumable(ctx, tx, &t, caller); err != nil {
		return t, err
	}
	if err := e.finalize(ctx, tx, &t, caller, reason); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.log().Info("task finalized", "task_id", id, "actor", caller)
	return t, nil
}

// CheckExecutableTx verifies, inside tx, that executor may consume task id
// on behalf of the calling contract. Checks run executor first, then the
// caller's finalizer registration, then the task itself.
func (e Engine) CheckExecutableTx(ctx context.Context, tx *sql.Tx, callerContract, executor domain.Address, id uint64) (domain.Task, error) {
	if err := e.Auth.Require(ctx, tx, domain.RoleExecutor, executor); err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(ctx, tx, domain.RoleFinalizer, callerContract); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.Kind != domain.TaskOperational {
		return t, fmt.Errorf("task %d is %s: %w", id, t.Kind, domain.ErrWrongTaskKind)
	}
	if err := e.ensureConsumable(ctx, tx, &t, executor); err != nil {
		return t, err
	}
	return t, nil
}

// ExecuteTaskTx consumes t, as returned by CheckExecutableTx in the same tx,
// on behalf of callerContract. The caller's own mutation commits with it.
func (e Engine) ExecuteTaskTx(ctx context.Context, tx *sql.Tx, callerContract, executor domain.Address, t domain.Task) error {
	id := t.ID
	if t.State != domain.TaskApproved {
		return fmt.Errorf("task %d is %s: %w", id, t.State, domain.ErrTaskNotApproved)
	}
	if err := e.finalize(ctx, tx, &t, executor, ""); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, domain.EventTaskExecuted, id, executor, events.Payload{
		"caller":   callerContract,
		"executor": executor,
		"task_id":  id,
	}); err != nil {
		return err
	}
	e.log().Info("task executed", "task_id", id, "actor", executor, "caller", callerContract)
	return nil
}

// GrantRole adds target to role under an approved administrative task and
// consumes the task.
func (e Engine) GrantRole(ctx context.Context, adminTaskID uint64, caller domain.Address, role domain.RoleKind, target domain.Address) (domain.Task, error) {
	return e.changeRole(ctx, adminTaskID, caller, role, target, true)
}

// RevokeRole removes target from role under an approved administrative task
// and consumes the task. The last admin cannot be removed.
func (e Engine) RevokeRole(ctx context.Context, adminTaskID uint64, caller domain.Address, role domain.RoleKind, target domain.Address) (domain.Task, error) {
	return e.changeRole(ctx, adminTaskID, caller, role, target, false)
}

func (e Engine) changeRole(ctx context.Context, id uint64, caller domain.Address, role domain.RoleKind, target domain.Address, grant bool) (domain.Task, error) {
	if !role.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidConfiguration, role)
	}
	if target.IsZero() {
		return domain.Task{}, domain.ErrZeroAddress
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, domain.RoleAdmin, caller); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.Kind != domain.TaskAdministrative {
		return t, fmt.Errorf("task %d is %s: %w", id, t.Kind, domain.ErrWrongTaskKind)
	}
	if err := e.ensureConsumable(ctx, tx, &t, caller); err != nil {
		return t, err
	}

	var (
		changed bool
		evtType string
	)
	if grant {
		evtType = domain.EventRoleAdded
		changed, err = e.Repo.GrantRole(ctx, tx, role, target, e.stamp())
	} else {
		evtType = domain.EventRoleRemoved
		if role == domain.RoleAdmin {
			if err := e.ensureNotLastAdmin(ctx, tx, target); err != nil {
				return t, err
			}
		}
		changed, err = e.Repo.RevokeRole(ctx, tx, role, target)
	}
	if err != nil {
		return t, err
	}
	if changed {
		if err := e.emitRole(ctx, tx, evtType, role, caller, events.Payload{"role": role, "address": target, "task_id": id}); err != nil {
			return t, err
		}
	}
	if err := e.finalize(ctx, tx, &t, caller, ""); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.log().Info("role changed", "task_id", id, "actor", caller, "role", role, "target", target, "grant", grant, "changed", changed)
	return t, nil
}

func (e Engine) ensureNotLastAdmin(ctx context.Context, tx *sql.Tx, target domain.Address) error {
	held, err := e.Repo.HasRole(ctx, tx, domain.RoleAdmin, target)
	if err != nil || !held {
		return err
	}
	n, err := e.Repo.CountRole(ctx, tx, domain.RoleAdmin)
	if err != nil {
		return err
	}
	if n <= 1 {
		return fmt.Errorf("%w: cannot remove the last admin", domain.ErrInvariantViolation)
	}
	return nil
}

func (e Engine) AddAdmin(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.GrantRole(ctx, taskID, caller, domain.RoleAdmin, target)
}

func (e Engine) RemoveAdmin(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.RevokeRole(ctx, taskID, caller, domain.RoleAdmin, target)
}

func (e Engine) AddCreator(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.GrantRole(ctx, taskID, caller, domain.RoleCreator, target)
}

func (e Engine) RemoveCreator(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.RevokeRole(ctx, taskID, caller, domain.RoleCreator, target)
}

func (e Engine) AddApprover(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.GrantRole(ctx, taskID, caller, domain.RoleApprover, target)
}

func (e Engine) RemoveApprover(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.RevokeRole(ctx, taskID, caller, domain.RoleApprover, target)
}

func (e Engine) AddExecutor(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.GrantRole(ctx, taskID, caller, domain.RoleExecutor, target)
}

func (e Engine) RemoveExecutor(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.RevokeRole(ctx, taskID, caller, domain.RoleExecutor, target)
}

func (e Engine) AddFinalizer(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.GrantRole(ctx, taskID, caller, domain.RoleFinalizer, target)
}

func (e Engine) RemoveFinalizer(ctx context.Context, taskID uint64, caller, target domain.Address) (domain.Task, error) {
	return e.RevokeRole(ctx, taskID, caller, domain.RoleFinalizer, target)
}

// GetTask returns the stored task. Stored state is not re-evaluated here.
func (e Engine) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return t, err
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// IsTaskApproved reports whether the task could be consumed right now.
func (e Engine) IsTaskApproved(ctx context.Context, id uint64) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return false, err
	}
	switch t.State {
	case domain.TaskApproved:
		return true, nil
	case domain.TaskCreated:
		return e.quorumMet(ctx, tx, t)
	}
	return false, nil
}

func (e Engine) IsTaskFinalized(ctx context.Context, id uint64) (bool, error) {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return t.State == domain.TaskFinalized, nil
}

func (e Engine) CountOf(ctx context.Context, role domain.RoleKind) (int, error) {
	return e.Repo.CountRole(ctx, nil, role)
}

func (e Engine) Members(ctx context.Context, role domain.RoleKind) ([]domain.Address, error) {
	return e.Repo.RoleMembers(ctx, nil, role)
}

func (e Engine) HasRole(ctx context.Context, role domain.RoleKind, addr domain.Address) (bool, error) {
	return e.Repo.HasRole(ctx, nil, role, addr)
}

func (e Engine) RolesOf(ctx context.Context, addr domain.Address) ([]domain.RoleKind, error) {
	return e.Auth.RolesOf(ctx, nil, addr)
}

// Threshold is the number of approvals a task of kind needs today.
func (e Engine) Threshold(ctx context.Context, kind domain.TaskKind) (int, error) {
	n, err := e.Repo.CountRole(ctx, nil, kind.ApproverRole())
	if err != nil {
		return 0, err
	}
	return e.Policy.Threshold(n), nil
}
