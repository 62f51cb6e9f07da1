package domain

import (
	"errors"
	"testing"
)

func TestRuleScopeMatching(t *testing.T) {
	any := AnyScope()
	if !any.Matches(7) || !any.Matches(0) {
		t.Fatal("wildcard matches everything")
	}
	if !any.MatchesAnyOf(nil) {
		t.Fatal("wildcard matches an empty role set")
	}

	s := ScopeOf(3)
	if !s.Matches(3) || s.Matches(4) {
		t.Fatal("concrete scope matches only its own id")
	}
	if s.MatchesAnyOf(nil) || s.MatchesAnyOf([]int64{1, 2}) {
		t.Fatal("concrete scope must not match a set without its id")
	}
	if !s.MatchesAnyOf([]int64{1, 3}) {
		t.Fatal("concrete scope matches a set containing its id")
	}
}

func TestScopeSentinelRoundTrip(t *testing.T) {
	if AnyScope().SentinelID() != 0 {
		t.Fatal("wildcard stores as 0")
	}
	if ScopeOf(9).SentinelID() != 9 {
		t.Fatal("concrete scope stores its id")
	}
	if !ScopeFromSentinel(0).Any {
		t.Fatal("0 loads as wildcard")
	}
	if got := ScopeFromSentinel(9); got.Any || got.ID != 9 {
		t.Fatalf("unexpected scope %+v", got)
	}
}

func TestTransitionRuleValidate(t *testing.T) {
	var ire InvalidRuleError
	err := TransitionRule{Tracker: AnyScope(), OldStatus: AnyScope(), Role: AnyScope()}.Validate()
	if !errors.As(err, &ire) {
		t.Fatalf("wildcard target must be rejected, got %v", err)
	}
	if err := (TransitionRule{Tracker: AnyScope(), OldStatus: AnyScope(), Role: AnyScope(), NewStatusID: 2}).Validate(); err != nil {
		t.Fatalf("valid rule: %v", err)
	}
}

func TestFieldRuleValidate(t *testing.T) {
	var ire InvalidRuleError
	cases := []FieldRule{
		{Field: "", Effect: FieldHidden},
		{Field: "no_such_field", Effect: FieldHidden},
		{Field: "subject", Effect: FieldVisible},
	}
	for _, r := range cases {
		if err := r.Validate(); !errors.As(err, &ire) {
			t.Fatalf("expected InvalidRuleError for %+v, got %v", r, err)
		}
	}
	if err := (FieldRule{Field: "done_ratio", Effect: FieldReadonly}).Validate(); err != nil {
		t.Fatalf("valid rule: %v", err)
	}
}

func TestParseFieldEffect(t *testing.T) {
	for _, s := range []string{"readonly", "required", "hidden"} {
		e, err := ParseFieldEffect(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if e.String() != s {
			t.Fatalf("round trip %s -> %s", s, e)
		}
	}
	if _, err := ParseFieldEffect("visible"); err == nil {
		t.Fatal("visible is not a persisted effect")
	}
}
