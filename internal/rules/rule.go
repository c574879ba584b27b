// Package rules parses and evaluates filter conditions and action lists.
package rules

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalid          = errors.New("invalid rule")
	ErrInvalidCondition = fmt.Errorf("%w: condition", ErrInvalid)
	ErrInvalidAction    = fmt.Errorf("%w: action", ErrInvalid)
)

// Condition is a parsed expression whose leaves are bound to predicates.
type Condition struct {
	root *Expr
}

// ParseCondition parses and compiles an expression, failing on the first
// leaf that does not resolve against the registry.
func ParseCondition(text string) (*Condition, error) {
	c, err := LoadCondition(text)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCondition is the tolerant form used for text already in the
// database. It always returns a usable condition: leaves that fail to
// compile evaluate to false, and an unparseable expression never matches.
// The returned error describes what was wrong.
func LoadCondition(text string) (*Condition, error) {
	root, err := ParseExpr(text)
	if err != nil {
		return &Condition{}, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	var errs []error
	root.Leaves(func(e *Expr) {
		e.pred, e.leafErr = compileCondition(e.Token)
		if e.leafErr != nil {
			errs = append(errs, e.leafErr)
		}
	})
	c := &Condition{root: root}
	if len(errs) > 0 {
		return c, fmt.Errorf("%w: %v", ErrInvalidCondition, errors.Join(errs...))
	}
	return c, nil
}

// NormalizeCondition returns the canonical text for an expression.
func NormalizeCondition(text string) (string, error) {
	c, err := ParseCondition(text)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

func (c *Condition) String() string {
	if c == nil || c.root == nil {
		return ""
	}
	return c.root.String()
}

// Match evaluates the condition against a news view.
func (c *Condition) Match(v View) bool {
	if c == nil || c.root == nil {
		return false
	}
	return c.root.Eval(func(e *Expr) bool {
		if e.pred == nil {
			return false
		}
		return e.pred(v)
	})
}

// Rule pairs a condition with the actions to run when it matches.
type Rule struct {
	Condition *Condition
	Actions   ActionList
}

// Apply evaluates the condition and, on a match, runs the actions in order.
// A rule with no usable actions lets the chain continue.
func (r *Rule) Apply(ctx context.Context, item Item) (Outcome, error) {
	if !r.Condition.Match(item.RuleView()) {
		return Continue, nil
	}
	for _, a := range r.Actions {
		outcome, err := a.run(ctx, item)
		if err != nil {
			return Continue, fmt.Errorf("action %s: %w", a, err)
		}
		if outcome == Stop {
			return Stop, nil
		}
	}
	return Continue, nil
}
