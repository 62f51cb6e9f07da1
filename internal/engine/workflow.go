package engine

import (
	"sort"

	"trackline/internal/domain"
)

// The resolvers below are pure functions over rule rows: the caller fetches
// rows (usually through the RuleCache) and the fold decides. Both folds share
// the same contract: when several rules match, the merged result is the most
// restrictive one, never relaxed by an additional, more permissive rule.

// mergeTransition combines the restriction flags of two rules granting the
// same transition. OR on both flags: a caller holding a permissive role and a
// restricted role keeps the restriction.
func mergeTransition(a, b domain.TransitionTarget) domain.TransitionTarget {
	a.RequireAssignee = a.RequireAssignee || b.RequireAssignee
	a.RequireAuthor = a.RequireAuthor || b.RequireAuthor
	return a
}

// mergeEffect keeps the most restrictive of two field effects
// (hidden > required > readonly > visible).
func mergeEffect(a, b domain.FieldEffect) domain.FieldEffect {
	if b > a {
		return b
	}
	return a
}

func transitionMatches(r domain.TransitionRule, trackerID, statusID int64, roleIDs []int64) bool {
	return r.Tracker.Matches(trackerID) &&
		r.OldStatus.Matches(statusID) &&
		r.Role.MatchesAnyOf(roleIDs)
}

func fieldMatches(r domain.FieldRule, trackerID, statusID int64, roleIDs []int64) bool {
	return r.Tracker.Matches(trackerID) &&
		r.Status.Matches(statusID) &&
		r.Role.MatchesAnyOf(roleIDs)
}

// resolveTransitions folds the matching transition rules into the set of
// reachable statuses, keyed by target status and sorted ascending by id.
// An empty role set still matches wildcard-role rules.
func resolveTransitions(rules []domain.TransitionRule, trackerID, statusID int64, roleIDs []int64) []domain.TransitionTarget {
	merged := map[int64]domain.TransitionTarget{}
	for _, r := range rules {
		if !transitionMatches(r, trackerID, statusID, roleIDs) {
			continue
		}
		t := domain.TransitionTarget{
			StatusID:        r.NewStatusID,
			RequireAssignee: r.RequireAssignee,
			RequireAuthor:   r.RequireAuthor,
		}
		if prev, ok := merged[r.NewStatusID]; ok {
			t = mergeTransition(prev, t)
		}
		merged[r.NewStatusID] = t
	}
	res := make([]domain.TransitionTarget, 0, len(merged))
	for _, t := range merged {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StatusID < res[j].StatusID })
	return res
}

// resolveFieldEffect folds the matching field rules for one field.
// No matching rule means the field is visible and optional.
func resolveFieldEffect(rules []domain.FieldRule, trackerID, statusID int64, roleIDs []int64, field string) domain.FieldEffect {
	effect := domain.FieldVisible
	for _, r := range rules {
		if r.Field != field {
			continue
		}
		if !fieldMatches(r, trackerID, statusID, roleIDs) {
			continue
		}
		effect = mergeEffect(effect, r.Effect)
	}
	return effect
}

// resolveFieldEffects folds every matching field rule into a per-field map.
// Fields without a matching rule are absent (implicitly visible).
func resolveFieldEffects(rules []domain.FieldRule, trackerID, statusID int64, roleIDs []int64) map[string]domain.FieldEffect {
	effects := map[string]domain.FieldEffect{}
	for _, r := range rules {
		if !fieldMatches(r, trackerID, statusID, roleIDs) {
			continue
		}
		effects[r.Field] = mergeEffect(effects[r.Field], r.Effect)
	}
	return effects
}

// allowedTarget reports whether a resolved transition may be executed by a
// caller with the given relation to the issue. Both restriction flags bind
// independently.
func allowedTarget(t domain.TransitionTarget, isAssignee, isAuthor bool) bool {
	if t.RequireAssignee && !isAssignee {
		return false
	}
	if t.RequireAuthor && !isAuthor {
		return false
	}
	return true
}
