package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const projectCols = `id,identifier,name,COALESCE(description,''),parent_id,inherit_members,status,created_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var parent sql.NullInt64
	err := scan(&p.ID, &p.Identifier, &p.Name, &p.Description, &parent, &p.InheritMembers, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if parent.Valid {
		p.ParentID = &parent.Int64
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.CreatedAt == "" {
		p.CreatedAt = now()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(identifier,name,description,parent_id,inherit_members,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.Identifier, p.Name, nullable(p.Description), nullableInt64Ptr(p.ParentID), p.InheritMembers, p.Status, p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.ID, err = res.LastInsertId()
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectByIdentifier(ctx context.Context, identifier string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE identifier=?`, identifier)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListChildProjects returns direct children of the given project.
func (r Repo) ListChildProjects(ctx context.Context, parentID int64) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects WHERE parent_id=? ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type ProjectUpdate struct {
	Name           *string
	Description    *string
	Status         *string
	ParentID       **int64
	InheritMembers *bool
}

func (r Repo) UpdateProject(ctx context.Context, id int64, u ProjectUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*u.Description))
	}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if u.ParentID != nil {
		fields = append(fields, "parent_id=?")
		args = append(args, nullableInt64Ptr(*u.ParentID))
	}
	if u.InheritMembers != nil {
		fields = append(fields, "inherit_members=?")
		args = append(args, *u.InheritMembers)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectAncestors returns the ancestor chain starting from the project's
// immediate parent up to the root.
func (r Repo) ProjectAncestors(ctx context.Context, projectID int64) ([]domain.Project, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var chain []domain.Project
	for p.ParentID != nil {
		parent, err := r.GetProject(ctx, *p.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		p = parent
	}
	return chain, nil
}

const userCols = `id,login,name,admin,status,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	err := scan(&u.ID, &u.Login, &u.Name, &u.Admin, &u.Status, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.CreatedAt == "" {
		u.CreatedAt = now()
	}
	if u.Status == "" {
		u.Status = "active"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(login,name,admin,status,created_at) VALUES (?,?,?,?,?)`,
		u.Login, u.Name, u.Admin, u.Status, u.CreatedAt)
	if err != nil {
		return u, err
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserByLogin(ctx context.Context, login string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE login=?`, login)
	return scanUser(row.Scan)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserAdmin(ctx context.Context, id int64, admin bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET admin=? WHERE id=?`, admin, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
