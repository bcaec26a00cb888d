package cache

import (
	"fmt"
	"regexp"
)

// Exclusions decides which model names bypass the cache entirely (both the
// lookup and the write). Two matching modes:
//
//   - Exact: the model string must equal the rule exactly.
//   - Pattern: the model string is tested against a compiled regexp.
//
// A nil *Exclusions is safe to call — Excluded always returns false.
type Exclusions struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// CompileExclusions builds an Exclusions from exact strings and regex
// patterns. An invalid pattern is an error so misconfiguration is caught at
// startup, not on the request path.
func CompileExclusions(exact, patterns []string) (*Exclusions, error) {
	ex := &Exclusions{exact: make(map[string]struct{}, len(exact))}

	for _, e := range exact {
		if e != "" {
			ex.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		ex.patterns = append(ex.patterns, re)
	}

	return ex, nil
}

// Excluded reports whether model must bypass the cache. Exact rules are
// checked first, then patterns in order.
func (ex *Exclusions) Excluded(model string) bool {
	if ex == nil {
		return false
	}
	if _, ok := ex.exact[model]; ok {
		return true
	}
	for _, re := range ex.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (ex *Exclusions) Len() int {
	if ex == nil {
		return 0
	}
	return len(ex.exact) + len(ex.patterns)
}
