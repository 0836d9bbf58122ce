package diff

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter selects objects by name. A pattern containing * or ? is a wildcard
// matched against the whole name; anything else is a substring. Matching is
// case-insensitive. The zero Filter matches everything.
type Filter struct {
	pattern string
	re      *regexp.Regexp
	substr  string
}

// CompileFilter parses pattern. Surrounding whitespace is ignored.
func CompileFilter(pattern string) (*Filter, error) {
	pattern = strings.TrimSpace(pattern)
	f := &Filter{pattern: pattern}
	if pattern == "" {
		return f, nil
	}
	if !strings.ContainsAny(pattern, "*?") {
		f.substr = strings.ToLower(pattern)
		return f, nil
	}

	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", pattern, err)
	}
	f.re = re
	return f, nil
}

// Match reports whether name passes the filter.
func (f *Filter) Match(name string) bool {
	switch {
	case f == nil || f.pattern == "":
		return true
	case f.re != nil:
		return f.re.MatchString(name)
	default:
		return strings.Contains(strings.ToLower(name), f.substr)
	}
}

// IsWildcard reports whether the filter uses wildcard matching.
func (f *Filter) IsWildcard() bool {
	return f != nil && f.re != nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.pattern
}
