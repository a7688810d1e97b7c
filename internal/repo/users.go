package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"worktrack/internal/domain"
)

const userColumns = `id,name,COALESCE(email,''),role,COALESCE(department,''),approved,created_at`

func scanUser(row rowScanner) (domain.Account, error) {
	var (
		u          domain.Account
		role, dept string
		approved   int
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &dept, &approved, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, err
	}
	u.Role = domain.Role(role)
	u.Department = domain.Department(dept)
	u.Approved = approved != 0
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.Account) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,role,department,approved,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, nullable(strings.ToLower(u.Email)), string(u.Role), nullable(string(u.Department)), boolInt(u.Approved), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.Account, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.Account, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

// UserFilter narrows ListUsers; a nil Approved lists both states.
type UserFilter struct {
	Approved   *bool
	Role       domain.Role
	Department domain.Department
}

func (r Repo) ListUsers(ctx context.Context, f UserFilter) ([]domain.Account, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var clauses []string
	var args []any
	if f.Approved != nil {
		clauses = append(clauses, "approved=?")
		args = append(args, boolInt(*f.Approved))
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, string(f.Role))
	}
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, string(f.Department))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []domain.Account{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ApproveUser marks the account approved and rewrites its role and department.
func (r Repo) ApproveUser(ctx context.Context, tx *sql.Tx, id string, role domain.Role, dept domain.Department) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE users SET approved=1, role=?, department=? WHERE id=?`, string(role), nullable(string(dept)), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MissingUsers returns the ids that do not name an approved account.
func (r Repo) MissingUsers(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var approved int
		err := r.conn(tx).QueryRowContext(ctx, `SELECT approved FROM users WHERE id=?`, id).Scan(&approved)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && approved == 0) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
