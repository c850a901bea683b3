// Package filter implements gitignore-style inclusion rules for vault paths.
// A path is eligible for indexing when it matches at least one include
// pattern and no exclude pattern. Pattern syntax follows gitignore:
// https://git-scm.com/docs/gitignore (negation, dir-only, ** globs).
package filter

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Set holds compiled include and exclude rules and provides thread-safe
// matching. Rules can be swapped at runtime via Reset, which is how pattern
// changes propagate without a reindex.
type Set struct {
	mu      sync.RWMutex
	include []rule
	exclude []rule
}

// rule represents a single compiled pattern.
type rule struct {
	pattern  string
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
}

// New compiles a rule set from include and exclude patterns.
// An empty include list admits every path.
func New(include, exclude []string) *Set {
	s := &Set{}
	s.Reset(include, exclude)
	return s
}

// Reset replaces all rules. Invalid patterns are skipped.
func (s *Set) Reset(include, exclude []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.include = compileAll(include)
	s.exclude = compileAll(exclude)
}

// Allows reports whether a relative path passes the current rules.
func (s *Set) Allows(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path = filepath.ToSlash(path)

	if len(s.include) > 0 && !matches(s.include, path) {
		return false
	}
	return !matches(s.exclude, path)
}

// matches evaluates rules in order; the last matching rule wins, so a later
// negation can re-admit a path excluded by an earlier rule.
func matches(rules []rule, path string) bool {
	matched := false
	for _, r := range rules {
		if r.matchPath(path) {
			matched = !r.negation
		}
	}
	return matched
}

func (r *rule) matchPath(path string) bool {
	if r.regex == nil {
		return false
	}
	if r.dirOnly {
		// Directory rules match the directory itself and anything under it.
		for dir := filepath.ToSlash(filepath.Dir(path)); dir != "." && dir != "/"; dir = filepath.ToSlash(filepath.Dir(dir)) {
			if r.regex.MatchString(dir) {
				return true
			}
		}
		return r.regex.MatchString(path)
	}
	return r.regex.MatchString(path)
}

func compileAll(patterns []string) []rule {
	rules := make([]rule, 0, len(patterns))
	for _, p := range patterns {
		if r, ok := compile(p); ok {
			rules = append(rules, r)
		}
	}
	return rules
}

// compile converts a gitignore pattern to a rule.
func compile(pattern string) (rule, bool) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return rule{}, false
	}

	r := rule{pattern: pattern}

	if strings.HasPrefix(pattern, "!") {
		r.negation = true
		pattern = strings.TrimPrefix(pattern, "!")
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	// A slash inside the pattern anchors it to the root, same as gitignore.
	if strings.Contains(pattern, "/") {
		anchored = true
	}

	re, err := regexp.Compile(patternToRegex(pattern, anchored))
	if err != nil {
		return rule{}, false
	}
	r.regex = re
	return r, true
}

// patternToRegex translates a gitignore glob into an RE2 expression.
func patternToRegex(pattern string, anchored bool) string {
	var b strings.Builder
	if anchored {
		b.WriteString("^")
	} else {
		b.WriteString("(^|/)")
	}

	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	b.WriteString("$")
	return b.String()
}
