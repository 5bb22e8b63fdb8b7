// Package filter decides whether a candidate link is excluded from
// prefetching. A Spec is one of three shapes: a Predicate receiving the
// absolute URL and the candidate, a Pattern whose Matcher only sees the URL,
// or a OneOf collection that ignores a link when any member does.
package filter

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/lukeed/quicklink/packages/domain"
)

// ErrMalformedSpec is returned by Parse for values that are neither a
// predicate, a matcher nor a collection of those.
var ErrMalformedSpec = errors.New("malformed filter specification")

type Spec interface {
	ignores(href string, c domain.Candidate) bool
}

// Matcher is anything exposing a pattern test over a URL.
type Matcher interface {
	Test(url string) bool
}

type Predicate func(href string, c domain.Candidate) bool

type Pattern struct {
	Matcher Matcher
}

type OneOf []Spec

func (p Predicate) ignores(href string, c domain.Candidate) bool { return p(href, c) }

func (p Pattern) ignores(href string, _ domain.Candidate) bool { return p.Matcher.Test(href) }

func (o OneOf) ignores(href string, c domain.Candidate) bool {
	for _, s := range o {
		if IsIgnored(c, s) {
			return true
		}
	}
	return false
}

// IsIgnored reports whether spec excludes c. A nil spec and an empty OneOf
// exclude nothing.
func IsIgnored(c domain.Candidate, spec Spec) bool {
	if spec == nil {
		return false
	}
	return spec.ignores(c.Href, c)
}

type regexpMatcher struct {
	re *regexp.Regexp
}

func (m regexpMatcher) Test(url string) bool { return m.re.MatchString(url) }

// Regexp adapts a compiled expression to a Pattern.
func Regexp(re *regexp.Regexp) Pattern {
	return Pattern{Matcher: regexpMatcher{re: re}}
}

// Parse resolves a loosely typed filter value into a Spec.
func Parse(v any) (Spec, error) {
	switch f := v.(type) {
	case nil:
		return nil, nil
	case Spec:
		if err := check(f); err != nil {
			return nil, err
		}
		return f, nil
	case func(string, domain.Candidate) bool:
		if f == nil {
			return nil, fmt.Errorf("%w: nil predicate", ErrMalformedSpec)
		}
		return Predicate(f), nil
	case func(string) bool:
		if f == nil {
			return nil, fmt.Errorf("%w: nil predicate", ErrMalformedSpec)
		}
		return Predicate(func(href string, _ domain.Candidate) bool { return f(href) }), nil
	case *regexp.Regexp:
		if f == nil {
			return nil, fmt.Errorf("%w: nil *regexp.Regexp", ErrMalformedSpec)
		}
		return Regexp(f), nil
	case Matcher:
		if nilMatcher(f) {
			return nil, fmt.Errorf("%w: nil matcher", ErrMalformedSpec)
		}
		return Pattern{Matcher: f}, nil
	case string:
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrMalformedSpec, f, err)
		}
		return Regexp(re), nil
	case []Spec:
		return parseSlice(len(f), func(i int) any { return f[i] })
	case []string:
		return parseSlice(len(f), func(i int) any { return f[i] })
	case []*regexp.Regexp:
		return parseSlice(len(f), func(i int) any { return f[i] })
	case []Matcher:
		return parseSlice(len(f), func(i int) any { return f[i] })
	case []Predicate:
		return parseSlice(len(f), func(i int) any { return f[i] })
	case []func(string, domain.Candidate) bool:
		return parseSlice(len(f), func(i int) any { return f[i] })
	case []any:
		return parseSlice(len(f), func(i int) any { return f[i] })
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrMalformedSpec, v)
	}
}

// check rejects specs that would panic when evaluated.
func check(s Spec) error {
	if v := reflect.ValueOf(s); v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("%w: nil %T", ErrMalformedSpec, s)
		}
		if elem, ok := v.Elem().Interface().(Spec); ok {
			return check(elem)
		}
	}
	switch f := s.(type) {
	case Predicate:
		if f == nil {
			return fmt.Errorf("%w: nil predicate", ErrMalformedSpec)
		}
	case Pattern:
		if nilMatcher(f.Matcher) {
			return fmt.Errorf("%w: pattern without matcher", ErrMalformedSpec)
		}
	case OneOf:
		for i, e := range f {
			if e == nil {
				return fmt.Errorf("filter[%d]: %w: nil element", i, ErrMalformedSpec)
			}
			if err := check(e); err != nil {
				return fmt.Errorf("filter[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func nilMatcher(m Matcher) bool {
	if m == nil {
		return true
	}
	if rm, ok := m.(regexpMatcher); ok {
		return rm.re == nil
	}
	v := reflect.ValueOf(m)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func parseSlice(n int, at func(int) any) (Spec, error) {
	out := make(OneOf, 0, n)
	for i := 0; i < n; i++ {
		s, err := Parse(at(i))
		if err != nil {
			return nil, fmt.Errorf("filter[%d]: %w", i, err)
		}
		if s == nil {
			return nil, fmt.Errorf("filter[%d]: %w: nil element", i, ErrMalformedSpec)
		}
		out = append(out, s)
	}
	return out, nil
}
