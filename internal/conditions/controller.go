// Copyright 2026 NVIDIA Corporation

// Package conditions implements the node-availability rule engine: a set of
// (condition-type regex, allowed-status regex) pairs evaluated against every
// condition a node reports. Rules are supplied as a map, so their order is
// not preserved; availability does not depend on rule order.
package conditions

import (
	"fmt"
	"regexp"
	"sync"

	corev1 "k8s.io/api/core/v1"
)

// DefaultRules is the immutable fallback: a node must report Ready=True.
var DefaultRules = map[string]string{"Ready": "True"}

// Rule pairs a condition-type pattern with the statuses it allows.
type Rule struct {
	TypePattern   string
	StatusPattern string
}

// Controller stores the rules shared by all watch threads. Reads are
// concurrent; rule replacement is exclusive.
type Controller struct {
	mu    sync.RWMutex
	rules []Rule
}

// New validates and installs the initial rule set.
func New(rules map[string]string) (*Controller, error) {
	c := &Controller{}
	if err := c.SetRules(rules); err != nil {
		return nil, err
	}
	return c, nil
}

// validateRules rejects any rule that matches the literal Ready condition
// type while binding it to anything other than exactly True.
func validateRules(rules map[string]string) error {
	for pattern, statusRegex := range rules {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Invalid patterns are skipped at match time as well.
			continue
		}
		if re.MatchString("Ready") && statusRegex != "True" {
			return fmt.Errorf("overriding 'Ready' rule is not allowed; only 'True' is permitted")
		}
	}
	return nil
}

// SetRules atomically replaces the entire rule set.
func (c *Controller) SetRules(rules map[string]string) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	next := make([]Rule, 0, len(rules))
	for pattern, statusRegex := range rules {
		next = append(next, Rule{TypePattern: pattern, StatusPattern: statusRegex})
	}
	c.mu.Lock()
	c.rules = next
	c.mu.Unlock()
	return nil
}

// Rules returns a copy of the current rule set.
func (c *Controller) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// EffectiveRules appends a default for every default condition type not
// matched by any provided rule. Provided rules keep precedence.
func (c *Controller) EffectiveRules(defaults map[string]string) []Rule {
	effective := c.Rules()
	for condType, statusRegex := range defaults {
		overridden := false
		for _, rule := range effective {
			re, err := regexp.Compile(rule.TypePattern)
			if err != nil {
				continue
			}
			if re.MatchString(condType) {
				overridden = true
				break
			}
		}
		if !overridden {
			effective = append(effective, Rule{
				TypePattern:   "^" + regexp.QuoteMeta(condType) + "$",
				StatusPattern: statusRegex,
			})
		}
	}
	return effective
}

// IsNodeAvailable evaluates the node's conditions against the effective
// rules. A node is unavailable as soon as one of its conditions is matched
// by at least one rule while no matching rule allows the reported status, or
// when the node is marked unschedulable.
func (c *Controller) IsNodeAvailable(node *corev1.Node) bool {
	effective := c.EffectiveRules(DefaultRules)
	for _, condition := range node.Status.Conditions {
		matchedAnyRule := false
		allowedByAnyRule := false
		for _, rule := range effective {
			typeRe, err := regexp.Compile(rule.TypePattern)
			if err != nil {
				continue
			}
			if !typeRe.MatchString(string(condition.Type)) {
				continue
			}
			matchedAnyRule = true
			statusRe, err := regexp.Compile("^(?:" + rule.StatusPattern + ")$")
			if err != nil {
				continue
			}
			if statusRe.MatchString(string(condition.Status)) {
				allowedByAnyRule = true
				break
			}
		}
		if matchedAnyRule && !allowedByAnyRule {
			return false
		}
	}
	return !node.Spec.Unschedulable
}
