package archive

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned for a pattern doublestar cannot compile.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError names the offending pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Selector narrows the archived artifacts by file name.
//
// A name is selected when it matches at least one include pattern (or no
// includes are given) and no exclude pattern. Patterns use doublestar syntax
// and are matched against the artifact's base name, for example
// "*.prod.*" or "*.{nc,rst}".
type Selector struct {
	includes []string
	excludes []string
}

// NewSelector compiles include and exclude patterns.
func NewSelector(includes, excludes []string) (*Selector, error) {
	s := &Selector{}
	var err error
	if s.includes, err = compilePatterns(includes); err != nil {
		return nil, err
	}
	if s.excludes, err = compilePatterns(excludes); err != nil {
		return nil, err
	}
	return s, nil
}

func compilePatterns(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(filepath.ToSlash(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether the artifact at path is selected. A nil Selector
// selects everything.
func (s *Selector) Match(path string) bool {
	if s == nil {
		return true
	}
	name := filepath.Base(path)
	if len(s.includes) > 0 && !matchAny(s.includes, name) {
		return false
	}
	return !matchAny(s.excludes, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		// Patterns were validated in NewSelector.
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
