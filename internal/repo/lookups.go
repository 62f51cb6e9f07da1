package repo

import (
	"context"
	"database/sql"

	"trackline/internal/domain"
)

func (r Repo) InsertTracker(ctx context.Context, t domain.Tracker) (domain.Tracker, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO trackers(name,default_status_id,position) VALUES (?,?,?)`,
		t.Name, t.DefaultStatusID, t.Position)
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetTracker(ctx context.Context, id int64) (domain.Tracker, error) {
	var t domain.Tracker
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,default_status_id,position FROM trackers WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.DefaultStatusID, &t.Position)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTrackerByName(ctx context.Context, name string) (domain.Tracker, error) {
	var t domain.Tracker
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,default_status_id,position FROM trackers WHERE name=?`, name).
		Scan(&t.ID, &t.Name, &t.DefaultStatusID, &t.Position)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTrackers(ctx context.Context) ([]domain.Tracker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,default_status_id,position FROM trackers ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tracker
	for rows.Next() {
		var t domain.Tracker
		if err := rows.Scan(&t.ID, &t.Name, &t.DefaultStatusID, &t.Position); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanStatus(scan func(dest ...any) error) (domain.IssueStatus, error) {
	var s domain.IssueStatus
	var ratio sql.NullInt64
	err := scan(&s.ID, &s.Name, &s.IsClosed, &ratio, &s.Position)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if ratio.Valid {
		v := int(ratio.Int64)
		s.DefaultDoneRatio = &v
	}
	return s, nil
}

func (r Repo) InsertStatus(ctx context.Context, s domain.IssueStatus) (domain.IssueStatus, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO issue_statuses(name,is_closed,default_done_ratio,position) VALUES (?,?,?,?)`,
		s.Name, s.IsClosed, nullableIntPtr(s.DefaultDoneRatio), s.Position)
	if err != nil {
		return s, err
	}
	s.ID, err = res.LastInsertId()
	return s, err
}

func (r Repo) GetStatus(ctx context.Context, id int64) (domain.IssueStatus, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,is_closed,default_done_ratio,position FROM issue_statuses WHERE id=?`, id)
	return scanStatus(row.Scan)
}

func (r Repo) GetStatusByName(ctx context.Context, name string) (domain.IssueStatus, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,is_closed,default_done_ratio,position FROM issue_statuses WHERE name=?`, name)
	return scanStatus(row.Scan)
}

func (r Repo) ListStatuses(ctx context.Context) ([]domain.IssueStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,is_closed,default_done_ratio,position FROM issue_statuses ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueStatus
	for rows.Next() {
		s, err := scanStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StatusNames returns id -> status for decoration of resolved transitions.
func (r Repo) StatusNames(ctx context.Context) (map[int64]domain.IssueStatus, error) {
	statuses, err := r.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]domain.IssueStatus, len(statuses))
	for _, s := range statuses {
		m[s.ID] = s
	}
	return m, nil
}
