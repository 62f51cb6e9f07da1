package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trackline/internal/domain"
)

const issueCols = `id,project_id,tracker_id,status_id,author_id,assignee_id,subject,COALESCE(description,''),done_ratio,lock_version,created_at,updated_at,closed_at`

// ErrStaleIssue signals an optimistic-lock conflict: the issue changed since
// the caller read it.
var ErrStaleIssue = fmt.Errorf("issue was updated by someone else")

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var assignee sql.NullInt64
	var closedAt sql.NullString
	err := scan(&i.ID, &i.ProjectID, &i.TrackerID, &i.StatusID, &i.AuthorID, &assignee,
		&i.Subject, &i.Description, &i.DoneRatio, &i.LockVersion, &i.CreatedAt, &i.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if assignee.Valid {
		i.AssigneeID = &assignee.Int64
	}
	if closedAt.Valid {
		i.ClosedAt = &closedAt.String
	}
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, i domain.Issue) (domain.Issue, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO issues(project_id,tracker_id,status_id,author_id,assignee_id,subject,description,done_ratio,lock_version,created_at,updated_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ProjectID, i.TrackerID, i.StatusID, i.AuthorID, nullableInt64Ptr(i.AssigneeID), i.Subject, nullable(i.Description),
		i.DoneRatio, i.LockVersion, i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.ClosedAt))
	if err != nil {
		return i, err
	}
	i.ID, err = res.LastInsertId()
	return i, err
}

func (r Repo) GetIssue(ctx context.Context, id int64) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

// UpdateIssue writes the issue guarded by its lock_version; a concurrent
// writer bumps the version and this update reports ErrStaleIssue.
func (r Repo) UpdateIssue(ctx context.Context, i domain.Issue) (domain.Issue, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE issues SET tracker_id=?,status_id=?,assignee_id=?,subject=?,description=?,done_ratio=?,lock_version=lock_version+1,updated_at=?,closed_at=? WHERE id=? AND lock_version=?`,
		i.TrackerID, i.StatusID, nullableInt64Ptr(i.AssigneeID), i.Subject, nullable(i.Description), i.DoneRatio,
		i.UpdatedAt, nullableStringPtr(i.ClosedAt), i.ID, i.LockVersion)
	if err != nil {
		return i, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetIssue(ctx, i.ID); err != nil {
			return i, err
		}
		return i, ErrStaleIssue
	}
	i.LockVersion++
	return i, nil
}

func (r Repo) DeleteIssue(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IssueFilters struct {
	ProjectID  int64
	TrackerID  int64
	StatusID   int64
	AssigneeID int64
	AuthorID   int64
	Limit      int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.TrackerID != 0 {
		clauses = append(clauses, "tracker_id=?")
		args = append(args, f.TrackerID)
	}
	if f.StatusID != 0 {
		clauses = append(clauses, "status_id=?")
		args = append(args, f.StatusID)
	}
	if f.AssigneeID != 0 {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.AuthorID != 0 {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueCols + ` FROM issues ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}
