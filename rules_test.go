package gatekeeper

import (
	"errors"
	"testing"
)

func constRule(eff RuleEffect) RuleFunc {
	return func(Actor, Action, ResourceSnapshot) RuleEffect { return eff }
}

func TestRuleSetCombination(t *testing.T) {
	cases := []struct {
		name    string
		effects []RuleEffect
		want    RuleEffect
		wantID  string
	}{
		{"no rules", nil, Abstain, ""},
		{"all abstain", []RuleEffect{Abstain, Abstain}, Abstain, ""},
		{"first allow wins", []RuleEffect{Abstain, Allow, Allow}, Allow, "r1"},
		{"deny after allow", []RuleEffect{Allow, Deny}, Deny, "r1"},
		{"deny before allow", []RuleEffect{Deny, Allow}, Deny, "r0"},
	}
	ids := []string{"r0", "r1", "r2"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := NewRuleSet()
			for i, eff := range tc.effects {
				rs.MustRegister("invoice", ids[i], constRule(eff))
			}
			got := rs.evaluate(Actor{}, "view", "invoice", ResourceSnapshot{}, nil)
			if got.effect != tc.want || got.ruleID != tc.wantID || got.err != nil {
				t.Fatalf("got %s/%q/%v, want %s/%q", got.effect, got.ruleID, got.err, tc.want, tc.wantID)
			}
		})
	}
}

func TestRuleSetScopesByResourceType(t *testing.T) {
	rs := NewRuleSet()
	rs.MustRegister("invoice", "deny-all", constRule(Deny))
	if got := rs.evaluate(Actor{}, "view", "ledger", ResourceSnapshot{}, nil); got.effect != Abstain {
		t.Fatalf("invoice rules must not apply to ledger, got %s", got.effect)
	}
	if len(rs.Rules("invoice")) != 1 || len(rs.Rules("ledger")) != 0 {
		t.Fatalf("unexpected rule registry contents")
	}
}

func TestRuleSetRejectsDuplicates(t *testing.T) {
	rs := NewRuleSet()
	if err := rs.Register("invoice", "owner", OwnerRule()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rs.Register("invoice", "owner", OwnerRule()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
	// the same id under another resource type is a different rule
	if err := rs.Register("ledger", "owner", OwnerRule()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rs.Register("invoice", "", OwnerRule()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected empty id to be rejected, got %v", err)
	}
}

func TestRulePanicAndUnknownEffect(t *testing.T) {
	rs := NewRuleSet()
	rs.MustRegister("invoice", "boom", func(Actor, Action, ResourceSnapshot) RuleEffect { panic("bad rule") })
	got := rs.evaluate(Actor{}, "view", "invoice", ResourceSnapshot{}, nil)
	if got.effect != Deny || got.ruleID != "boom" || !errors.Is(got.err, ErrConfiguration) {
		t.Fatalf("panic must deny as configuration error, got %+v", got)
	}

	rs = NewRuleSet()
	rs.MustRegister("invoice", "odd", constRule(RuleEffect(9)))
	got = rs.evaluate(Actor{}, "view", "invoice", ResourceSnapshot{}, nil)
	if got.effect != Deny || !errors.Is(got.err, ErrConfiguration) {
		t.Fatalf("unknown effect must deny, got %+v", got)
	}
}

func TestBuiltInRules(t *testing.T) {
	actor := Actor{ID: "u1", Unit: "A"}
	sameUnit := SameUnitRule("update")
	if eff := sameUnit(actor, "update", ResourceSnapshot{Unit: "B"}); eff != Deny {
		t.Fatalf("same unit: expected deny, got %s", eff)
	}
	if eff := sameUnit(actor, "update", ResourceSnapshot{Unit: "A"}); eff != Abstain {
		t.Fatalf("same unit: expected abstain, got %s", eff)
	}
	if eff := sameUnit(actor, "view", ResourceSnapshot{Unit: "B"}); eff != Abstain {
		t.Fatalf("same unit: other actions abstain, got %s", eff)
	}

	owner := OwnerRule()
	if eff := owner(actor, "delete", ResourceSnapshot{OwnerID: "u1"}); eff != Allow {
		t.Fatalf("owner: expected allow, got %s", eff)
	}
	if eff := owner(actor, "delete", ResourceSnapshot{}); eff != Abstain {
		t.Fatalf("owner: unowned resources abstain, got %s", eff)
	}

	status := StatusRule([]Action{"update", "delete"}, "posted", "void")
	if eff := status(actor, "update", ResourceSnapshot{Status: "posted"}); eff != Deny {
		t.Fatalf("status: expected deny, got %s", eff)
	}
	if eff := status(actor, "update", ResourceSnapshot{Status: "draft"}); eff != Abstain {
		t.Fatalf("status: expected abstain, got %s", eff)
	}
}

func TestRuleSpecBuild(t *testing.T) {
	if _, err := (RuleSpec{ID: "s", ResourceType: "invoice", Kind: RuleKindStatus}).Build(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("status rule without statuses must fail, got %v", err)
	}
	if _, err := (RuleSpec{ID: "x", ResourceType: "invoice", Kind: "regex"}).Build(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown kind must fail, got %v", err)
	}
	fn, err := RuleSpec{ID: "u", ResourceType: "invoice", Kind: RuleKindSameUnit, Actions: []Action{"*"}}.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if eff := fn(Actor{Unit: "A"}, "anything", ResourceSnapshot{Unit: "B"}); eff != Deny {
		t.Fatalf("wildcard action should match, got %s", eff)
	}
}
