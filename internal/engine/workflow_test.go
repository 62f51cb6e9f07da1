package engine

import (
	"reflect"
	"testing"

	"trackline/internal/domain"
)

func TestResolveTransitionsWildcards(t *testing.T) {
	rules := []domain.TransitionRule{
		{Tracker: domain.AnyScope(), OldStatus: domain.AnyScope(), Role: domain.AnyScope(), NewStatusID: 2},
		{Tracker: domain.ScopeOf(1), OldStatus: domain.ScopeOf(1), Role: domain.ScopeOf(10), NewStatusID: 3},
		{Tracker: domain.ScopeOf(9), OldStatus: domain.AnyScope(), Role: domain.AnyScope(), NewStatusID: 4},
	}

	got := resolveTransitions(rules, 1, 1, []int64{10})
	want := []int64{2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d targets, got %+v", len(want), got)
	}
	for i, id := range want {
		if got[i].StatusID != id {
			t.Fatalf("target %d: expected status %d, got %d", i, id, got[i].StatusID)
		}
	}

	// Wrong role: only the wildcard rule fires.
	got = resolveTransitions(rules, 1, 1, []int64{99})
	if len(got) != 1 || got[0].StatusID != 2 {
		t.Fatalf("expected only wildcard target, got %+v", got)
	}

	// Empty role set still matches wildcard-role rules.
	got = resolveTransitions(rules, 1, 1, nil)
	if len(got) != 1 || got[0].StatusID != 2 {
		t.Fatalf("expected wildcard target for empty role set, got %+v", got)
	}
}

func TestResolveTransitionsConservativeMerge(t *testing.T) {
	rules := []domain.TransitionRule{
		{Tracker: domain.AnyScope(), OldStatus: domain.AnyScope(), Role: domain.ScopeOf(1), NewStatusID: 5, RequireAssignee: true},
		{Tracker: domain.AnyScope(), OldStatus: domain.AnyScope(), Role: domain.ScopeOf(2), NewStatusID: 5, RequireAuthor: true},
	}
	got := resolveTransitions(rules, 1, 1, []int64{1, 2})
	if len(got) != 1 {
		t.Fatalf("expected one merged target, got %+v", got)
	}
	if !got[0].RequireAssignee || !got[0].RequireAuthor {
		t.Fatalf("expected both restrictions kept after merge, got %+v", got[0])
	}
}

func TestResolveTransitionsDeterministicOrder(t *testing.T) {
	rules := []domain.TransitionRule{
		{Tracker: domain.AnyScope(), OldStatus: domain.AnyScope(), Role: domain.AnyScope(), NewStatusID: 9},
		{Tracker: domain.AnyScope(), OldStatus: domain.AnyScope(), Role: domain.AnyScope(), NewStatusID: 2},
		{Tracker: domain.AnyScope(), OldStatus: domain.AnyScope(), Role: domain.AnyScope(), NewStatusID: 5},
	}
	for i := 0; i < 10; i++ {
		got := resolveTransitions(rules, 1, 1, nil)
		ids := []int64{got[0].StatusID, got[1].StatusID, got[2].StatusID}
		if !reflect.DeepEqual(ids, []int64{2, 5, 9}) {
			t.Fatalf("expected ascending status ids, got %v", ids)
		}
	}
}

func TestResolveFieldEffectMostRestrictiveWins(t *testing.T) {
	rules := []domain.FieldRule{
		{Tracker: domain.AnyScope(), Status: domain.AnyScope(), Role: domain.ScopeOf(1), Field: "done_ratio", Effect: domain.FieldReadonly},
		{Tracker: domain.AnyScope(), Status: domain.AnyScope(), Role: domain.ScopeOf(2), Field: "done_ratio", Effect: domain.FieldHidden},
		{Tracker: domain.AnyScope(), Status: domain.AnyScope(), Role: domain.ScopeOf(2), Field: "description", Effect: domain.FieldRequired},
	}

	if got := resolveFieldEffect(rules, 1, 1, []int64{1, 2}, "done_ratio"); got != domain.FieldHidden {
		t.Fatalf("expected hidden to win, got %s", got)
	}
	if got := resolveFieldEffect(rules, 1, 1, []int64{1}, "done_ratio"); got != domain.FieldReadonly {
		t.Fatalf("expected readonly for single role, got %s", got)
	}
	// No matching rule: visible.
	if got := resolveFieldEffect(rules, 1, 1, []int64{9}, "done_ratio"); got != domain.FieldVisible {
		t.Fatalf("expected visible without matching rule, got %s", got)
	}

	effects := resolveFieldEffects(rules, 1, 1, []int64{1, 2})
	if effects["done_ratio"] != domain.FieldHidden || effects["description"] != domain.FieldRequired {
		t.Fatalf("unexpected effect map %+v", effects)
	}
	if _, ok := effects["subject"]; ok {
		t.Fatalf("fields without rules must be absent from the map")
	}
}

func TestAllowedTargetRestrictions(t *testing.T) {
	target := domain.TransitionTarget{StatusID: 5, RequireAssignee: true}
	if allowedTarget(target, false, true) {
		t.Fatal("non-assignee must not pass an assignee-only transition")
	}
	if !allowedTarget(target, true, false) {
		t.Fatal("assignee must pass an assignee-only transition")
	}

	target = domain.TransitionTarget{StatusID: 5, RequireAssignee: true, RequireAuthor: true}
	if allowedTarget(target, true, false) || allowedTarget(target, false, true) {
		t.Fatal("both restrictions bind independently")
	}
	if !allowedTarget(target, true, true) {
		t.Fatal("assignee-author must pass")
	}
}

func TestMergeEffectOrdering(t *testing.T) {
	if mergeEffect(domain.FieldReadonly, domain.FieldRequired) != domain.FieldRequired {
		t.Fatal("required beats readonly")
	}
	if mergeEffect(domain.FieldHidden, domain.FieldRequired) != domain.FieldHidden {
		t.Fatal("hidden beats required")
	}
	if mergeEffect(domain.FieldVisible, domain.FieldVisible) != domain.FieldVisible {
		t.Fatal("visible stays visible")
	}
}
