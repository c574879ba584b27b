package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/spf13/cast"

	"github.com/pders01/feedtree/internal/debuglog"
)

// View is the read-only projection of a news item that conditions and
// scripts see.
type View struct {
	ID          uint32
	FeedID      uint32
	Title       string
	Text        string
	WebURL      string
	CommentsURL string
	Published   int64
	Authors     []string
	Enclosures  []string
	Read        bool
	Recycled    bool
}

// Predicate decides whether a condition leaf holds for a news item.
type Predicate func(View) bool

// RegexTimeout bounds a single regex match so a pathological pattern
// cannot stall ingestion.
var RegexTimeout = 2 * time.Second

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type conditionSpec struct {
	arg   string
	build func(arg string) (Predicate, error)
}

type actionSpec struct {
	arg   string
	build func(arg string) (actionFunc, error)
	// check runs only when a filter is written, never on stored text.
	check func(arg string) error
}

var conditions = map[string]conditionSpec{
	"always":          {build: constant(func(View) bool { return true })},
	"has_enclosure":   {build: constant(func(v View) bool { return len(v.Enclosures) > 0 })},
	"has_text":        {build: constant(func(v View) bool { return v.Text != "" })},
	"has_url":         {build: constant(func(v View) bool { return v.WebURL != "" })},
	"is_read":         {build: constant(func(v View) bool { return v.Read })},
	"is_recycled":     {build: constant(func(v View) bool { return v.Recycled })},
	"title_regex":     {arg: "pattern", build: regexCondition(func(v View) []string { return []string{v.Title} })},
	"text_regex":      {arg: "pattern", build: regexCondition(func(v View) []string { return []string{v.Text} })},
	"url_regex":       {arg: "pattern", build: regexCondition(func(v View) []string { return []string{v.WebURL} })},
	"enclosure_regex": {arg: "pattern", build: regexCondition(func(v View) []string { return v.Enclosures })},
	"anywhere_regex": {arg: "pattern", build: regexCondition(func(v View) []string {
		fields := append([]string{}, v.Enclosures...)
		return append(fields, v.Title, v.Text, v.WebURL)
	})},
}

var actions = map[string]actionSpec{
	"move_to_feed":   {arg: "feed_id", build: moveToFeed},
	"send_to_script": {arg: "path", build: sendToScript, check: checkScript},
	"set_read":       {arg: "read", build: setFlag(Item.SetRead, func(v View) bool { return v.Read })},
	"set_recycled":   {arg: "recycled", build: setFlag(Item.SetRecycled, func(v View) bool { return v.Recycled })},
	ThenContinue:     {build: terminal(Continue)},
	ThenStop:         {build: terminal(Stop)},
}

func constant(p Predicate) func(string) (Predicate, error) {
	return func(string) (Predicate, error) { return p, nil }
}

func regexCondition(fields func(View) []string) func(string) (Predicate, error) {
	return func(pattern string) (Predicate, error) {
		re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		re.MatchTimeout = RegexTimeout
		return func(v View) bool {
			for _, field := range fields(v) {
				if field == "" {
					continue
				}
				ok, err := re.MatchString(field)
				if err != nil {
					debuglog.Warnf("regex %q on news %d: %v", pattern, v.ID, err)
					continue
				}
				if ok {
					return true
				}
			}
			return false
		}, nil
	}
}

// splitToken separates "name:argument". The name is trimmed; the argument
// is kept verbatim because regex patterns may have meaningful spaces.
func splitToken(token string) (name, arg string, hasArg bool) {
	name, arg, hasArg = strings.Cut(token, ":")
	return strings.TrimSpace(name), arg, hasArg
}

func checkName(kind, name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("%q doesn't look like a valid %s name", name, kind)
	}
	return nil
}

func checkArity(kind, name, token, want string, hasArg bool) error {
	if want != "" && !hasArg {
		return fmt.Errorf("%s %s takes 1 argument, not given in %q", kind, name, token)
	}
	if want == "" && hasArg {
		return fmt.Errorf("%s %s takes 0 arguments, given in %q", kind, name, token)
	}
	return nil
}

// compileCondition resolves one leaf token to its predicate.
func compileCondition(token string) (Predicate, error) {
	name, arg, hasArg := splitToken(token)
	if err := checkName("condition", name); err != nil {
		return nil, err
	}
	spec, ok := conditions[name]
	if !ok {
		return nil, fmt.Errorf("no condition called %q", name)
	}
	if err := checkArity("condition", name, token, spec.arg, hasArg); err != nil {
		return nil, err
	}
	return spec.build(arg)
}

// compileAction resolves one action token. With checked set the argument
// must also pass the spec's write-time check.
func compileAction(token string, checked bool) (Action, error) {
	name, arg, hasArg := splitToken(token)
	if err := checkName("action", name); err != nil {
		return Action{}, err
	}
	spec, ok := actions[name]
	if !ok {
		return Action{}, fmt.Errorf("no action called %q", name)
	}
	if err := checkArity("action", name, token, spec.arg, hasArg); err != nil {
		return Action{}, err
	}
	arg = strings.TrimSpace(arg)
	if checked && spec.check != nil {
		if err := spec.check(arg); err != nil {
			return Action{}, err
		}
	}
	run, err := spec.build(arg)
	if err != nil {
		return Action{}, err
	}
	return Action{Name: name, Arg: arg, run: run}, nil
}

func signatures[T any](registry map[string]T, arg func(T) string) []string {
	names := make([]string, 0, len(registry))
	for name, spec := range registry {
		if a := arg(spec); a != "" {
			names = append(names, name+":"+a)
		} else {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ConditionNames lists every condition as "name" or "name:argument".
func ConditionNames() []string {
	return signatures(conditions, func(s conditionSpec) string { return s.arg })
}

// ActionNames lists every action as "name" or "name:argument".
func ActionNames() []string {
	return signatures(actions, func(s actionSpec) string { return s.arg })
}

// ParseBool accepts the spellings people type into rule text: the forms
// cast understands plus yes/no and on/off.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	b, err := cast.ToBoolE(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("expected true or false, not %q", s)
	}
	return b, nil
}

// ParseFeedID parses a decimal feed identifier.
func ParseFeedID(s string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%q is not a feed id", s)
	}
	return uint32(id), nil
}
