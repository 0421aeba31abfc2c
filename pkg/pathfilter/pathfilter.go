// Package pathfilter decides which paths of a run folder take part in a sync.
//
// Patterns are regular expressions searched anywhere in the full path, not
// anchored globs: "s_1_" matches ".../L001/s_1_1101.bcl.gz" and "Images"
// matches everything under an Images directory.
package pathfilter

import (
	"fmt"
	"regexp"
)

// Filter holds compiled include and exclude patterns.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New compiles the patterns. An invalid regular expression is a configuration error.
func New(include, exclude []string) (*Filter, error) {
	inc, err := compileAll(include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exc, err := compileAll(exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &Filter{include: inc, exclude: exc}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// ShouldInclude reports whether path matches at least one include pattern
// (or there are none) and matches no exclude pattern. Exclude wins.
func (f *Filter) ShouldInclude(path string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.exclude {
		if re.MatchString(path) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
