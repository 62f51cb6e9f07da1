package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trackline/internal/domain"
)

// RuleSet is the full workflow rule table split into its two variants.
type RuleSet struct {
	Transitions []domain.TransitionRule
	Fields      []domain.FieldRule
}

// LoadRules reads every workflow rule. The single physical table carries both
// kinds, discriminated by type; rows are surfaced as tagged domain variants.
func (r Repo) LoadRules(ctx context.Context) (RuleSet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tracker_id,old_status_id,new_status_id,role_id,assignee,author,type,field_name,rule FROM workflow_rules ORDER BY id`)
	if err != nil {
		return RuleSet{}, err
	}
	defer rows.Close()
	var set RuleSet
	for rows.Next() {
		var (
			id, trackerID, oldStatusID, newStatusID, roleID int64
			assignee, author                                bool
			ruleType                                        string
			fieldName, effect                               sql.NullString
		)
		if err := rows.Scan(&id, &trackerID, &oldStatusID, &newStatusID, &roleID, &assignee, &author, &ruleType, &fieldName, &effect); err != nil {
			return RuleSet{}, err
		}
		switch ruleType {
		case domain.RuleTypeTransition:
			set.Transitions = append(set.Transitions, domain.TransitionRule{
				ID:              id,
				Tracker:         domain.ScopeFromSentinel(trackerID),
				OldStatus:       domain.ScopeFromSentinel(oldStatusID),
				Role:            domain.ScopeFromSentinel(roleID),
				NewStatusID:     newStatusID,
				RequireAssignee: assignee,
				RequireAuthor:   author,
			})
		case domain.RuleTypeField:
			eff, err := domain.ParseFieldEffect(effect.String)
			if err != nil {
				return RuleSet{}, fmt.Errorf("rule %d: %w", id, err)
			}
			set.Fields = append(set.Fields, domain.FieldRule{
				ID:      id,
				Tracker: domain.ScopeFromSentinel(trackerID),
				Status:  domain.ScopeFromSentinel(oldStatusID),
				Role:    domain.ScopeFromSentinel(roleID),
				Field:   fieldName.String,
				Effect:  eff,
			})
		default:
			return RuleSet{}, fmt.Errorf("rule %d: unknown rule type %q", id, ruleType)
		}
	}
	return set, rows.Err()
}

// InsertTransitionRule persists a validated transition rule.
func (r Repo) InsertTransitionRule(ctx context.Context, rule domain.TransitionRule) (domain.TransitionRule, error) {
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workflow_rules(tracker_id,old_status_id,new_status_id,role_id,assignee,author,type) VALUES (?,?,?,?,?,?,?)`,
		rule.Tracker.SentinelID(), rule.OldStatus.SentinelID(), rule.NewStatusID, rule.Role.SentinelID(),
		rule.RequireAssignee, rule.RequireAuthor, domain.RuleTypeTransition)
	if err != nil {
		return rule, err
	}
	rule.ID, err = res.LastInsertId()
	return rule, err
}

// InsertFieldRule persists a validated field rule.
func (r Repo) InsertFieldRule(ctx context.Context, rule domain.FieldRule) (domain.FieldRule, error) {
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workflow_rules(tracker_id,old_status_id,role_id,type,field_name,rule) VALUES (?,?,?,?,?,?)`,
		rule.Tracker.SentinelID(), rule.Status.SentinelID(), rule.Role.SentinelID(),
		domain.RuleTypeField, rule.Field, rule.Effect.String())
	if err != nil {
		return rule, err
	}
	rule.ID, err = res.LastInsertId()
	return rule, err
}

func (r Repo) DeleteRule(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workflow_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
