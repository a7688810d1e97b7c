package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"worktrack/internal/domain"
	"worktrack/internal/engine/auth"
	"worktrack/internal/lifecycle"
	"worktrack/internal/provenance"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// ItemFilter narrows FindByScope beyond the access scope.
type ItemFilter struct {
	Statuses        []lifecycle.Status
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

const itemColumns = `w.id,w.kind,w.title,COALESCE(w.description,''),w.status,w.due_date,w.created_by,w.created_at,w.updated_at,w.fields_json,w.lists_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var (
		it                   domain.WorkItem
		kind, status         string
		due                  sql.NullString
		createdAt, updatedAt string
		fieldsJSON, listJSON string
	)
	if err := row.Scan(&it.ID, &kind, &it.Title, &it.Description, &status, &due, &it.CreatedBy, &createdAt, &updatedAt, &fieldsJSON, &listJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return it, ErrNotFound
		}
		return it, err
	}
	it.Kind = domain.EntityKind(kind)
	it.Status = lifecycle.Status(status)
	var err error
	if it.CreatedAt, err = ParseTime(createdAt); err != nil {
		return it, fmt.Errorf("item %s created_at: %w", it.ID, err)
	}
	if it.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return it, fmt.Errorf("item %s updated_at: %w", it.ID, err)
	}
	if due.Valid && due.String != "" {
		d, err := ParseTime(due.String)
		if err != nil {
			return it, fmt.Errorf("item %s due_date: %w", it.ID, err)
		}
		it.DueDate = &d
	}
	it.Fields = map[string]provenance.Value{}
	if err := json.Unmarshal([]byte(fieldsJSON), &it.Fields); err != nil {
		return it, fmt.Errorf("item %s fields: %w", it.ID, err)
	}
	it.Lists = map[string]provenance.List{}
	if err := json.Unmarshal([]byte(listJSON), &it.Lists); err != nil {
		return it, fmt.Errorf("item %s lists: %w", it.ID, err)
	}
	it.AssignedUsers = []string{}
	return it, nil
}

func encodeRefs(it domain.WorkItem) (string, string, error) {
	fields := it.Fields
	if fields == nil {
		fields = map[string]provenance.Value{}
	}
	lists := it.Lists
	if lists == nil {
		lists = map[string]provenance.List{}
	}
	f, err := json.Marshal(fields)
	if err != nil {
		return "", "", err
	}
	l, err := json.Marshal(lists)
	if err != nil {
		return "", "", err
	}
	return string(f), string(l), nil
}

func dueValue(d *time.Time) any {
	if d == nil {
		return nil
	}
	return FormatTime(*d)
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	fields, lists, err := encodeRefs(it)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO work_items(id,kind,title,description,status,due_date,created_by,created_at,updated_at,fields_json,lists_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, string(it.Kind), it.Title, nullable(it.Description), string(it.Status), dueValue(it.DueDate), it.CreatedBy,
		FormatTime(it.CreatedAt), FormatTime(it.UpdatedAt), fields, lists)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return r.setAssignees(ctx, tx, it.ID, it.AssignedUsers)
}

// UpdateItem overwrites the stored row and assignee set. Concurrent writers
// resolve last-write-wins.
func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	fields, lists, err := encodeRefs(it)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE work_items SET title=?, description=?, status=?, due_date=?, updated_at=?, fields_json=?, lists_json=? WHERE id=?`,
		it.Title, nullable(it.Description), string(it.Status), dueValue(it.DueDate), FormatTime(it.UpdatedAt), fields, lists, it.ID)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.setAssignees(ctx, tx, it.ID, it.AssignedUsers)
}

func (r Repo) setAssignees(ctx context.Context, tx *sql.Tx, itemID string, users []string) error {
	c := r.conn(tx)
	if _, err := c.ExecContext(ctx, `DELETE FROM work_item_assignees WHERE item_id=?`, itemID); err != nil {
		return err
	}
	for i, u := range users {
		if _, err := c.ExecContext(ctx, `INSERT INTO work_item_assignees(item_id,user_id,position) VALUES (?,?,?)`, itemID, u, i); err != nil {
			return fmt.Errorf("assign %s: %w", u, err)
		}
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetItemTx(ctx, nil, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	it, err := scanItem(r.conn(tx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items w WHERE w.id=?`, id))
	if err != nil {
		return it, err
	}
	byItem, err := r.assignees(ctx, tx, []string{it.ID})
	if err != nil {
		return it, err
	}
	if users, ok := byItem[it.ID]; ok {
		it.AssignedUsers = users
	}
	return it, nil
}

func (r Repo) DeleteItem(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scopeClause translates an access scope into a WHERE fragment. Unknown scopes
// fail closed.
func scopeClause(scope auth.Scope, id domain.Identity) (string, []any, error) {
	switch scope {
	case auth.ScopeAll:
		return "", nil, nil
	case auth.ScopeAssignedOnly:
		if id == nil || id.ID() == "" {
			return "", nil, errors.New("assigned-only scope requires an identity")
		}
		return `EXISTS (SELECT 1 FROM work_item_assignees a WHERE a.item_id=w.id AND a.user_id=?)`, []any{id.ID()}, nil
	}
	return "", nil, fmt.Errorf("unsupported scope %q", scope)
}

func statusClause(statuses []lifecycle.Status) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return "w.status IN (" + strings.Join(marks, ",") + ")", args
}

func whereFor(kind domain.EntityKind, scope auth.Scope, id domain.Identity, statuses []lifecycle.Status) (string, []any, error) {
	clauses := []string{"w.kind=?"}
	args := []any{string(kind)}
	sc, sargs, err := scopeClause(scope, id)
	if err != nil {
		return "", nil, err
	}
	if sc != "" {
		clauses = append(clauses, sc)
		args = append(args, sargs...)
	}
	if st, stArgs := statusClause(statuses); st != "" {
		clauses = append(clauses, st)
		args = append(args, stArgs...)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// FindByScope lists items of kind visible under scope, newest first.
func (r Repo) FindByScope(ctx context.Context, kind domain.EntityKind, scope auth.Scope, id domain.Identity, f ItemFilter) ([]domain.WorkItem, error) {
	where, args, err := whereFor(kind, scope, id, f.Statuses)
	if err != nil {
		return nil, err
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		where += " AND (w.created_at < ? OR (w.created_at = ? AND w.id < ?))"
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items w ` + where + ` ORDER BY w.created_at DESC, w.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []domain.WorkItem{}
	var ids []string
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		ids = append(ids, it.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	byItem, err := r.assignees(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if users, ok := byItem[items[i].ID]; ok {
			items[i].AssignedUsers = users
		}
	}
	return items, nil
}

// CountByScope counts items of kind visible under scope whose status is in
// statuses (all statuses when empty).
func (r Repo) CountByScope(ctx context.Context, kind domain.EntityKind, scope auth.Scope, id domain.Identity, statuses []lifecycle.Status) (int, error) {
	where, args, err := whereFor(kind, scope, id, statuses)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items w `+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) assignees(ctx context.Context, tx *sql.Tx, itemIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(itemIDs) == 0 {
		return out, nil
	}
	marks := make([]string, len(itemIDs))
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT item_id,user_id FROM work_item_assignees WHERE item_id IN (`+strings.Join(marks, ",")+`) ORDER BY item_id, position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var itemID, userID string
		if err := rows.Scan(&itemID, &userID); err != nil {
			return nil, err
		}
		out[itemID] = append(out[itemID], userID)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
