package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Outcome tells the filter chain whether to keep going.
type Outcome int

const (
	Continue Outcome = iota
	Stop
)

func (o Outcome) String() string {
	if o == Stop {
		return "stop"
	}
	return "continue"
}

// Terminal markers. Every action list ends with exactly one of these.
const (
	ThenContinue = "then_continue_filters"
	ThenStop     = "then_stop_filters"
)

// Item is what actions operate on. Implementations persist each change.
type Item interface {
	RuleView() View
	MoveToFeed(ctx context.Context, feedID uint32) error
	SetRead(ctx context.Context, read bool) error
	SetRecycled(ctx context.Context, recycled bool) error
}

type actionFunc func(ctx context.Context, item Item) (Outcome, error)

// Action is one compiled step of an action list.
type Action struct {
	Name string
	Arg  string
	run  actionFunc
}

func (a Action) String() string {
	if a.Arg == "" {
		return a.Name
	}
	return a.Name + ":" + a.Arg
}

func (a Action) terminal() bool {
	return a.Name == ThenContinue || a.Name == ThenStop
}

// ActionList is an ordered, validated sequence of actions.
type ActionList []Action

func (l ActionList) String() string {
	lines := make([]string, len(l))
	for i, a := range l {
		lines[i] = a.String()
	}
	return strings.Join(lines, "\n")
}

// MoveTargets returns the feed ids named by move_to_feed actions.
func (l ActionList) MoveTargets() []uint32 {
	var ids []uint32
	for _, a := range l {
		if a.Name != "move_to_feed" {
			continue
		}
		if id, err := ParseFeedID(a.Arg); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// NormalizeActions trims each line, drops blank ones and checks the result.
func NormalizeActions(text string) (string, error) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	normalized := strings.Join(lines, "\n")
	if _, err := ParseActions(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ParseActions compiles newline separated action tokens.
func ParseActions(text string) (ActionList, error) {
	var list ActionList
	if strings.TrimSpace(text) != "" {
		for _, line := range strings.Split(text, "\n") {
			a, err := compileAction(strings.TrimSpace(line), true)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
			list = append(list, a)
		}
	}
	if err := list.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return list, nil
}

// LoadActions is the tolerant form used for text already in the database.
// Write-time checks are skipped, so a send_to_script whose file is gone
// stays in the list and fails when it runs. Tokens that no longer compile
// are dropped and described in the returned error; the rest are kept.
func LoadActions(text string) (ActionList, error) {
	var (
		list ActionList
		errs []error
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		a, err := compileAction(line, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		list = append(list, a)
	}
	if len(errs) > 0 {
		return list, fmt.Errorf("%w: %v", ErrInvalidAction, errors.Join(errs...))
	}
	return list, nil
}

func (l ActionList) validate() error {
	if len(l) == 0 {
		return fmt.Errorf("no actions")
	}
	if len(l) == 1 && l[0].Name == ThenContinue {
		return fmt.Errorf("there is no point having %s be the only action", ThenContinue)
	}
	for i, a := range l {
		last := i == len(l)-1
		if a.terminal() && !last {
			return fmt.Errorf("%s and %s can only be the last action", ThenContinue, ThenStop)
		}
		if !a.terminal() && last {
			return fmt.Errorf("the last action must be either %s or %s", ThenContinue, ThenStop)
		}
	}
	return nil
}

func terminal(o Outcome) func(string) (actionFunc, error) {
	return func(string) (actionFunc, error) {
		return func(context.Context, Item) (Outcome, error) { return o, nil }, nil
	}
}

func moveToFeed(arg string) (actionFunc, error) {
	target, err := ParseFeedID(arg)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, item Item) (Outcome, error) {
		if item.RuleView().FeedID == target {
			return Continue, nil
		}
		return Continue, item.MoveToFeed(ctx, target)
	}, nil
}

func setFlag(set func(Item, context.Context, bool) error, current func(View) bool) func(string) (actionFunc, error) {
	return func(arg string) (actionFunc, error) {
		want, err := ParseBool(arg)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, item Item) (Outcome, error) {
			if current(item.RuleView()) == want {
				return Continue, nil
			}
			return Continue, set(item, ctx, want)
		}, nil
	}
}
