package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"quorumledger/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when non-nil, the pool otherwise.
func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// NextTaskID allocates the next task id. Ids start at 1 and are never reused.
func (r Repo) NextTaskID(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var next uint64
	if err := tx.QueryRowContext(ctx, `SELECT next_id FROM task_seq LIMIT 1`).Scan(&next); err != nil {
		return 0, fmt.Errorf("read task_seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task_seq SET next_id=?`, next+1); err != nil {
		return 0, fmt.Errorf("bump task_seq: %w", err)
	}
	return next, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,kind,creator,details_uri,state,finalization_reason,created_at,updated_at,finalized_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Kind, t.Creator, t.DetailsURI, t.State, t.FinalizationReason, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.FinalizedAt))
	return err
}

// UpdateTaskState persists the mutable lifecycle columns of t.
func (r Repo) UpdateTaskState(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, finalization_reason=?, updated_at=?, finalized_at=? WHERE id=?`,
		t.State, t.FinalizationReason, t.UpdatedAt, nullableStringPtr(t.FinalizedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, taskID uint64, approver domain.Address, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_approvals(task_id,approver,approved_at) VALUES (?,?,?)`, taskID, approver, ts)
	return err
}

const taskColumns = `id,kind,creator,details_uri,state,finalization_reason,created_at,updated_at,finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var finalized sql.NullString
	err := s.Scan(&t.ID, &t.Kind, &t.Creator, &t.DetailsURI, &t.State, &t.FinalizationReason, &t.CreatedAt, &t.UpdatedAt, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if finalized.Valid {
		v := finalized.String
		t.FinalizedAt = &v
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

// GetTaskTx loads a task with its approvals in vote order. tx may be nil.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id uint64) (domain.Task, error) {
	q := r.on(tx)
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Approvals, err = r.listApprovals(ctx, q, id)
	return t, err
}

func (r Repo) listApprovals(ctx context.Context, q queryer, taskID uint64) ([]domain.Address, error) {
	rows, err := q.QueryContext(ctx, `SELECT approver FROM task_approvals WHERE task_id=? ORDER BY approved_at, rowid`, taskID)
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

type TaskFilters struct {
	Kind    domain.TaskKind
	State   domain.TaskState
	Creator domain.Address
	Limit   int
	// Cursor returns tasks with id strictly below it.
	Cursor uint64
}

// ListTasks returns tasks newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Creator != "" {
		clauses = append(clauses, "creator=?")
		args = append(args, f.Creator)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Approvals, err = r.listApprovals(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

type EventFilters struct {
	Type       string
	Emitter    string
	EntityKind string
	EntityID   string
	Limit      int
	// Cursor returns events with id strictly below it.
	Cursor int64
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Emitter != "" {
		clauses = append(clauses, "emitter=?")
		args = append(args, f.Emitter)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,emitter,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > cursor in append order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,emitter,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Emitter, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TaskEntityID renders a task id the way it is stored in events.entity_id.
func TaskEntityID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
