package gatekeeper

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/gatekeeper/utils"
)

// ============================================================================
// POLICY RULES
// ============================================================================

// RuleEffect is the tagged outcome of a single rule.
type RuleEffect uint8

const (
	Abstain RuleEffect = iota
	Allow
	Deny
)

func (e RuleEffect) String() string {
	switch e {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "abstain"
	}
}

// RuleFunc is a pure relationship check. It must not perform I/O and must
// return the same effect for the same inputs.
type RuleFunc func(actor Actor, action Action, res ResourceSnapshot) RuleEffect

// Rule is a registered RuleFunc.
type Rule struct {
	ID           string
	ResourceType string
	Eval         RuleFunc
}

// RuleSet maps resource types to their ordered rules. Reads go through an
// atomically swapped snapshot so evaluation never takes a lock.
type RuleSet struct {
	mu    sync.Mutex // serializes Register
	rules atomic.Pointer[map[string][]Rule]
}

func NewRuleSet() *RuleSet {
	s := &RuleSet{}
	empty := make(map[string][]Rule)
	s.rules.Store(&empty)
	return s
}

// Register appends a rule to resourceType's list. Registration order is
// evaluation order.
func (s *RuleSet) Register(resourceType, id string, fn RuleFunc) error {
	if !utils.ValidID(resourceType) || !utils.ValidID(id) || fn == nil {
		return fmt.Errorf("%w: rule requires resource type, id and func", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.rules.Load()
	for _, r := range cur[resourceType] {
		if r.ID == id {
			return fmt.Errorf("%w: rule %s already registered for %s", ErrInvalidArgument, id, resourceType)
		}
	}
	next := make(map[string][]Rule, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	list := make([]Rule, len(cur[resourceType]), len(cur[resourceType])+1)
	copy(list, cur[resourceType])
	next[resourceType] = append(list, Rule{ID: id, ResourceType: resourceType, Eval: fn})
	s.rules.Store(&next)
	return nil
}

// MustRegister is Register that panics, for package-level wiring.
func (s *RuleSet) MustRegister(resourceType, id string, fn RuleFunc) {
	if err := s.Register(resourceType, id, fn); err != nil {
		panic(err)
	}
}

// Rules returns the rules registered for resourceType.
func (s *RuleSet) Rules(resourceType string) []Rule {
	list := (*s.rules.Load())[resourceType]
	out := make([]Rule, len(list))
	copy(out, list)
	return out
}

// ruleResult is the combined verdict of a resource type's rules.
type ruleResult struct {
	effect RuleEffect
	ruleID string
	err    error // set when a rule panicked
}

// evaluate runs every rule in order. Any Deny wins; otherwise the first
// Allow wins; otherwise the result is Abstain. observe, when non-nil, sees
// each rule's individual effect.
func (s *RuleSet) evaluate(actor Actor, action Action, resourceType string, res ResourceSnapshot, observe func(Rule, RuleEffect)) ruleResult {
	var out ruleResult
	for _, r := range (*s.rules.Load())[resourceType] {
		eff, err := runRule(r, actor, action, res)
		if err != nil {
			return ruleResult{effect: Deny, ruleID: r.ID, err: err}
		}
		if observe != nil {
			observe(r, eff)
		}
		switch eff {
		case Deny:
			return ruleResult{effect: Deny, ruleID: r.ID}
		case Allow:
			if out.effect == Abstain {
				out = ruleResult{effect: Allow, ruleID: r.ID}
			}
		}
	}
	return out
}

func runRule(r Rule, actor Actor, action Action, res ResourceSnapshot) (eff RuleEffect, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: rule %s panicked: %v", ErrConfiguration, r.ID, rec)
		}
	}()
	eff = r.Eval(actor, action, res)
	if eff > Deny {
		return Deny, fmt.Errorf("%w: rule %s returned unknown effect %d", ErrConfiguration, r.ID, eff)
	}
	return eff, nil
}
