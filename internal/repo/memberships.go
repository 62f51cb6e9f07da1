package repo

import (
	"context"
	"database/sql"

	"trackline/internal/domain"
)

func (r Repo) GetMembership(ctx context.Context, userID, projectID int64) (domain.Membership, error) {
	var m domain.Membership
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,project_id,created_at FROM memberships WHERE user_id=? AND project_id=?`, userID, projectID).
		Scan(&m.ID, &m.UserID, &m.ProjectID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// EnsureMembership returns the membership id for (user, project), creating
// the row if missing.
func (r Repo) EnsureMembership(ctx context.Context, userID, projectID int64) (int64, error) {
	m, err := r.GetMembership(ctx, userID, projectID)
	if err == nil {
		return m.ID, nil
	}
	if err != ErrNotFound {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO memberships(user_id,project_id,created_at) VALUES (?,?,?)`,
		userID, projectID, now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanMemberRole(scan func(dest ...any) error) (domain.MemberRole, error) {
	var mr domain.MemberRole
	var inherited sql.NullInt64
	err := scan(&mr.ID, &mr.MembershipID, &mr.RoleID, &inherited)
	if err == sql.ErrNoRows {
		return mr, ErrNotFound
	}
	if err != nil {
		return mr, err
	}
	if inherited.Valid {
		mr.InheritedFrom = &inherited.Int64
	}
	return mr, nil
}

// MemberRoles returns all role rows of a membership, direct and inherited.
func (r Repo) MemberRoles(ctx context.Context, membershipID int64) ([]domain.MemberRole, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,membership_id,role_id,inherited_from FROM member_roles WHERE membership_id=? ORDER BY role_id`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemberRole
	for rows.Next() {
		mr, err := scanMemberRole(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, mr)
	}
	return res, rows.Err()
}

// DirectRoleIDs returns the directly-assigned role ids for (user, project),
// excluding materialized inherited rows.
func (r Repo) DirectRoleIDs(ctx context.Context, userID, projectID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT mr.role_id FROM member_roles mr
JOIN memberships m ON m.id=mr.membership_id
WHERE m.user_id=? AND m.project_id=? AND mr.inherited_from IS NULL
ORDER BY mr.role_id`, userID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertMemberRole(ctx context.Context, membershipID, roleID int64, inheritedFrom *int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO member_roles(membership_id,role_id,inherited_from) VALUES (?,?,?)`,
		membershipID, roleID, nullableInt64Ptr(inheritedFrom))
	return err
}

// DeleteDirectMemberRole removes a directly-granted role. Inherited rows are
// untouched; they disappear only through recomputation.
func (r Repo) DeleteDirectMemberRole(ctx context.Context, userID, projectID, roleID int64) error {
	res, err := r.DB.ExecContext(ctx, `
DELETE FROM member_roles WHERE inherited_from IS NULL AND role_id=? AND membership_id IN (
    SELECT id FROM memberships WHERE user_id=? AND project_id=?)`, roleID, userID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInheritedMemberRoles clears every materialized inherited role row for
// a project ahead of recomputation.
func (r Repo) DeleteInheritedMemberRoles(ctx context.Context, projectID int64) error {
	_, err := r.DB.ExecContext(ctx, `
DELETE FROM member_roles WHERE inherited_from IS NOT NULL AND membership_id IN (
    SELECT id FROM memberships WHERE project_id=?)`, projectID)
	return err
}

// PruneEmptyMemberships drops membership rows left without any role.
func (r Repo) PruneEmptyMemberships(ctx context.Context, projectID int64) error {
	_, err := r.DB.ExecContext(ctx, `
DELETE FROM memberships WHERE project_id=? AND id NOT IN (
    SELECT DISTINCT membership_id FROM member_roles)`, projectID)
	return err
}

// ProjectMember is a membership joined with its user and role rows.
type ProjectMember struct {
	Membership domain.Membership   `json:"membership"`
	User       domain.User         `json:"user"`
	Roles      []domain.MemberRole `json:"roles"`
}

func (r Repo) ListProjectMembers(ctx context.Context, projectID int64) ([]ProjectMember, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT m.id,m.user_id,m.project_id,m.created_at,u.id,u.login,u.name,u.admin,u.status,u.created_at
FROM memberships m JOIN users u ON u.id=m.user_id
WHERE m.project_id=? ORDER BY m.id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ProjectMember
	for rows.Next() {
		var pm ProjectMember
		if err := rows.Scan(&pm.Membership.ID, &pm.Membership.UserID, &pm.Membership.ProjectID, &pm.Membership.CreatedAt,
			&pm.User.ID, &pm.User.Login, &pm.User.Name, &pm.User.Admin, &pm.User.Status, &pm.User.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		roles, err := r.MemberRoles(ctx, res[i].Membership.ID)
		if err != nil {
			return nil, err
		}
		res[i].Roles = roles
	}
	return res, nil
}

// DirectMembers returns user ids holding at least one direct role in the
// project, used when propagating inheritance to descendants.
func (r Repo) DirectMembers(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT m.user_id FROM memberships m
JOIN member_roles mr ON mr.membership_id=m.id
WHERE m.project_id=? AND mr.inherited_from IS NULL
ORDER BY m.user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
