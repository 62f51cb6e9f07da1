package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trackline/internal/domain"
)

func scanRole(scan func(dest ...any) error) (domain.Role, error) {
	var role domain.Role
	err := scan(&role.ID, &role.Name, &role.Builtin, &role.Assignable, &role.Position, &role.IssuesVisibility)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	return role, err
}

func (r Repo) rolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id=? ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r Repo) InsertRole(ctx context.Context, role domain.Role) (domain.Role, error) {
	if role.IssuesVisibility == "" {
		role.IssuesVisibility = domain.VisibilityDefault
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return role, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO roles(name,builtin,assignable,position,issues_visibility) VALUES (?,?,?,?,?)`,
		role.Name, role.Builtin, role.Assignable, role.Position, role.IssuesVisibility)
	if err != nil {
		return role, err
	}
	role.ID, err = res.LastInsertId()
	if err != nil {
		return role, err
	}
	for _, perm := range role.Permissions {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id,permission_id) VALUES (?,?)`, role.ID, perm); err != nil {
			return role, err
		}
	}
	return role, tx.Commit()
}

func (r Repo) GetRole(ctx context.Context, id int64) (domain.Role, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,builtin,assignable,position,issues_visibility FROM roles WHERE id=?`, id)
	role, err := scanRole(row.Scan)
	if err != nil {
		return role, err
	}
	role.Permissions, err = r.rolePermissions(ctx, role.ID)
	return role, err
}

func (r Repo) GetRoleByName(ctx context.Context, name string) (domain.Role, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,builtin,assignable,position,issues_visibility FROM roles WHERE name=?`, name)
	role, err := scanRole(row.Scan)
	if err != nil {
		return role, err
	}
	role.Permissions, err = r.rolePermissions(ctx, role.ID)
	return role, err
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,builtin,assignable,position,issues_visibility FROM roles ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		role, err := scanRole(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		perms, err := r.rolePermissions(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Permissions = perms
	}
	return res, nil
}

// UpdateRole replaces the mutable attributes of a role. Builtin roles keep
// their name and builtin marker; attempting to change either fails.
func (r Repo) UpdateRole(ctx context.Context, role domain.Role) error {
	existing, err := r.GetRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if existing.IsBuiltin() {
		if role.Name != existing.Name {
			return fmt.Errorf("builtin role %s cannot be renamed", existing.Name)
		}
		if role.Builtin != existing.Builtin {
			return fmt.Errorf("builtin marker of role %s is immutable", existing.Name)
		}
	}
	if role.IssuesVisibility == "" {
		role.IssuesVisibility = existing.IssuesVisibility
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE roles SET name=?,assignable=?,position=?,issues_visibility=? WHERE id=?`,
		role.Name, role.Assignable, role.Position, role.IssuesVisibility, role.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, role.ID); err != nil {
		return err
	}
	for _, perm := range role.Permissions {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id,permission_id) VALUES (?,?)`, role.ID, perm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) DeleteRole(ctx context.Context, id int64) error {
	role, err := r.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsBuiltin() {
		return fmt.Errorf("builtin role %s cannot be deleted", role.Name)
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM roles WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
