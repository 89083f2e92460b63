// ABOUTME: Include/exclude target filters carried in the frame filter segment.
// ABOUTME: Parses "a,b" / "!a,b" strings, serializes them back, and matches owned targets.

package address

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/tab-relay/internal/frame"
)

// ErrConflictingFilter is returned when both include and exclude lists are non-empty.
var ErrConflictingFilter = errors.New("filter cannot both include and exclude targets")

// ErrInvalidTarget is returned for a target that cannot survive serialization.
var ErrInvalidTarget = errors.New("invalid target")

// separator joins targets in the serialized form.
const separator = ","

// Filter selects which targets an event is addressed to. At most one of
// Include and Exclude is non-empty; an empty Filter addresses everything.
type Filter struct {
	Include []string
	Exclude []string
}

// All is the filter that addresses every connection.
var All = Filter{}

// Parse reads a serialized filter. Each comma separated token is trimmed of
// whitespace and a leading run of '!'. The whole filter is exclude-mode when
// the input itself starts with '!'.
func Parse(s string) Filter {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}
	}

	targets := normalize(strings.Split(s, separator))
	if len(targets) == 0 {
		return Filter{}
	}
	if strings.HasPrefix(s, "!") {
		return Filter{Exclude: targets}
	}
	return Filter{Include: targets}
}

// New builds a filter from caller-supplied lists. Tokens are normalized the
// same way Parse normalizes them.
func New(include, exclude []string) (Filter, error) {
	inc := normalize(include)
	exc := normalize(exclude)

	if len(inc) > 0 && len(exc) > 0 {
		return Filter{}, ErrConflictingFilter
	}
	for _, t := range append(slices.Clone(inc), exc...) {
		for _, bad := range []string{separator, frame.Delimiter} {
			if strings.Contains(t, bad) {
				return Filter{}, fmt.Errorf("%w: %q contains %q", ErrInvalidTarget, t, bad)
			}
		}
	}

	return Filter{Include: inc, Exclude: exc}, nil
}

// Exclude returns an exclude-mode filter for the given targets.
func Exclude(targets ...string) Filter {
	return Filter{Exclude: normalize(targets)}
}

// Include returns an include-mode filter for the given targets.
func Include(targets ...string) Filter {
	return Filter{Include: normalize(targets)}
}

// IsAll reports whether the filter addresses every connection.
func (f Filter) IsAll() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

// String serializes the filter: "" for all, "a,b" for include, "!a,b" for exclude.
func (f Filter) String() string {
	switch {
	case len(f.Include) > 0:
		return strings.Join(f.Include, separator)
	case len(f.Exclude) > 0:
		return "!" + strings.Join(f.Exclude, separator)
	default:
		return ""
	}
}

// Matches reports whether a connection owning the given targets should
// receive an event with this filter. A connection that owns no targets
// receives every filter-less and exclude-mode event.
func (f Filter) Matches(owned []string) bool {
	if len(f.Include) > 0 {
		return intersects(f.Include, owned)
	}
	return !intersects(f.Exclude, owned)
}

// Equal reports whether two filters address the same targets in the same order.
func (f Filter) Equal(other Filter) bool {
	return slices.Equal(f.Include, other.Include) && slices.Equal(f.Exclude, other.Exclude)
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// normalize trims tokens, strips leading '!' runs, and drops empty and
// repeated tokens while keeping first-seen order.
func normalize(tokens []string) []string {
	var out []string
	for _, tok := range tokens {
		tok = strings.TrimLeft(strings.TrimSpace(tok), "!")
		tok = strings.TrimSpace(tok)
		if tok == "" || slices.Contains(out, tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Targets is a target list that decodes from either a JSON string
// ("a,b") or a JSON array of strings.
type Targets []string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Targets) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = Targets(strings.Split(single, separator))
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("targets must be a string or an array of strings: %w", err)
	}
	*t = Targets(many)
	return nil
}
