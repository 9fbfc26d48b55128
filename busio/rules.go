package busio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sailfishos/statebus/errors"
)

// Rule is a parsed match rule: a conjunction of constraints evaluated
// against a message over and above the interface/member match of its
// registry entry. The zero Rule matches everything.
type Rule struct {
	args map[int]string
	path string
}

// ParseRule parses the textual rule language: comma-separated
// key=value pairs where key is either "path" or "argN" for a
// non-negative argument index. Values are matched as exact strings;
// an argN constraint fails against a non-string argument.
//
//	arg0=com.example.player,path=/com/example/player
func ParseRule(text string) (Rule, error) {
	r := Rule{}
	text = strings.TrimSpace(text)
	if text == "" {
		return r, nil
	}

	for _, part := range strings.Split(text, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, errors.Wrap(
				fmt.Errorf("%w: %q has no '='", errors.ErrInvalidRule, part),
				"busio", "ParseRule", "rule parse")
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "path":
			r.path = value
		case strings.HasPrefix(key, "arg"):
			idx, err := strconv.Atoi(key[len("arg"):])
			if err != nil || idx < 0 {
				return Rule{}, errors.Wrap(
					fmt.Errorf("%w: bad argument index in %q", errors.ErrInvalidRule, key),
					"busio", "ParseRule", "rule parse")
			}
			if r.args == nil {
				r.args = make(map[int]string)
			}
			r.args[idx] = value
		default:
			return Rule{}, errors.Wrap(
				fmt.Errorf("%w: unknown key %q", errors.ErrInvalidRule, key),
				"busio", "ParseRule", "rule parse")
		}
	}
	return r, nil
}

// MustRule parses a rule known valid at compile time; it panics on error and
// is meant for literals in registration tables.
func MustRule(text string) Rule {
	r, err := ParseRule(text)
	if err != nil {
		panic(err)
	}
	return r
}

// Empty reports whether the rule carries no constraints.
func (r Rule) Empty() bool {
	return r.path == "" && len(r.args) == 0
}

// Match evaluates the rule against a message. All constraints must hold.
func (r Rule) Match(m *Message) bool {
	if m == nil {
		return false
	}
	if r.path != "" && string(m.Path) != r.path {
		return false
	}
	for idx, want := range r.args {
		got, ok := m.StringArg(idx)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// String renders the rule back in the textual form, with argument
// constraints in index order.
func (r Rule) String() string {
	var parts []string
	if r.path != "" {
		parts = append(parts, "path="+r.path)
	}
	for i := 0; i < 64; i++ {
		if v, ok := r.args[i]; ok {
			parts = append(parts, fmt.Sprintf("arg%d=%s", i, v))
		}
	}
	return strings.Join(parts, ",")
}
