// Package pathmatch decides which paths under a monitored root are excluded
// from baselining, watching and backup.
package pathmatch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher holds compiled exclusion globs and reserved absolute paths. The
// zero value excludes nothing.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
	reserved []string
}

// Compile builds a Matcher from glob patterns such as "*.tmp", ".git" or
// "build/**". Empty patterns are ignored.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(filepath.ToSlash(p), '/')
		if err != nil {
			return nil, fmt.Errorf("compiling exclude pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, p)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// MustCompile is like Compile but panics on an invalid pattern.
func MustCompile(patterns ...string) *Matcher {
	m, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Patterns returns the source patterns.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// WithReserved returns a copy of m that also excludes the given paths and
// everything below them, wherever they sit inside a monitored root. The
// engine's own data directory and backup tree are reserved this way.
func (m *Matcher) WithReserved(paths ...string) *Matcher {
	out := &Matcher{}
	if m != nil {
		out.patterns = m.patterns
		out.globs = m.globs
		out.reserved = append(out.reserved, m.reserved...)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			out.reserved = append(out.reserved, abs)
		}
	}
	return out
}

// Reserved reports whether path is a reserved path or lies below one.
func (m *Matcher) Reserved(path string) bool {
	if m == nil || len(m.reserved) == 0 {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, r := range m.reserved {
		if Within(abs, r) {
			return true
		}
	}
	return false
}

// Excludes reports whether the entry at the absolute path, rel relative to
// its monitored root, is reserved or matches a pattern.
func (m *Matcher) Excludes(path, rel string) bool {
	return m.Reserved(path) || m.Match(rel)
}

// Within reports whether path equals dir or lies below it. Both must be
// absolute or both relative.
func Within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Match reports whether path matches any pattern. Callers pass the path
// relative to its monitored root. path is matched in full, by base name and
// by every trailing sub-path, so "node_modules" excludes the directory at any
// depth.
func (m *Matcher) Match(path string) bool {
	if m == nil || len(m.globs) == 0 {
		return false
	}

	path = filepath.ToSlash(filepath.Clean(path))
	parts := strings.Split(strings.Trim(path, "/"), "/")

	for _, g := range m.globs {
		if g.Match(path) {
			return true
		}
		for i := range parts {
			if g.Match(strings.Join(parts[i:], "/")) {
				return true
			}
		}
		// A pattern matching any ancestor directory excludes its contents.
		for i := 1; i < len(parts); i++ {
			if g.Match(parts[i-1]) {
				return true
			}
		}
	}
	return false
}
