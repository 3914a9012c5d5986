// Package identity implements the Identity value type: a colon-delimited
// triple project[:stack[:context]] used as the key for service leases and
// locks, plus glob-style matching against that triple.
package identity

import (
	"fmt"
	"strings"

	"github.com/portdaddy/portdaddy/internal/domain"
)

const (
	minSegmentLen = 1
	maxSegmentLen = 64
)

// Identity is a parsed project[:stack[:context]] triple. Stack and Context
// are empty when not supplied by the original string.
type Identity struct {
	Project string
	Stack   string
	Context string

	// raw is the original composite string, preserved for logging and
	// for round-tripping through String().
	raw string
}

// String returns the original composite form, e.g. "proj:stack:ctx".
func (id Identity) String() string {
	return id.raw
}

// HasWildcard reports whether any segment of id is the literal "*".
func (id Identity) HasWildcard() bool {
	return id.Project == "*" || id.Stack == "*" || id.Context == "*"
}

// FromParts reconstructs an Identity from its stored (project, stack,
// context) prefix tuple, e.g. as persisted by the store's indexed columns. Empty
// trailing segments are omitted from the composite form, mirroring how
// Parse would have produced the original string.
func FromParts(project, stack, context string) Identity {
	raw := project
	if stack != "" {
		raw += ":" + stack
		if context != "" {
			raw += ":" + context
		}
	}
	return Identity{Project: project, Stack: stack, Context: context, raw: raw}
}

func isValidSegment(s string) bool {
	if len(s) < minSegmentLen || len(s) > maxSegmentLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// segmentValid validates a segment that is permitted to be a bare "*"
// wildcard (query/release contexts) in addition to the normal alphabet.
func segmentValid(s string, allowWildcard bool) bool {
	if allowWildcard && s == "*" {
		return true
	}
	return isValidSegment(s)
}

// Parse validates and decomposes a composite identity string. allowWildcard
// permits a bare "*" per segment, which is only legal for queries and
// release patterns, never for a claim's own identity.
func Parse(s string, allowWildcard bool) (Identity, error) {
	if s == "" {
		return Identity{}, fmt.Errorf("empty identity: %w", domain.ErrIdentityInvalid)
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Identity{}, fmt.Errorf("too many segments in %q: %w", s, domain.ErrIdentityInvalid)
	}
	for i, p := range parts {
		if !segmentValid(p, allowWildcard) {
			return Identity{}, fmt.Errorf("invalid segment %d (%q) in %q: %w", i, p, s, domain.ErrIdentityInvalid)
		}
	}
	id := Identity{raw: s, Project: parts[0]}
	if len(parts) > 1 {
		id.Stack = parts[1]
	}
	if len(parts) > 2 {
		id.Context = parts[2]
	}
	return id, nil
}

// Pattern is a parsed identity pattern used for matching and glob queries.
// A missing trailing segment is equivalent to "*" (matches anything), per
// the rule that a missing trailing segment equals "*".
type Pattern struct {
	Project string
	Stack   string
	Context string
	raw     string
}

// ParsePattern parses a release/query pattern. Patterns may use "*" in any
// segment and may omit trailing segments, which are treated as "*".
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("empty pattern: %w", domain.ErrIdentityInvalid)
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Pattern{}, fmt.Errorf("too many segments in pattern %q: %w", s, domain.ErrIdentityInvalid)
	}
	for i, p := range parts {
		if !segmentValidPattern(p) {
			return Pattern{}, fmt.Errorf("invalid segment %d (%q) in pattern %q: %w", i, p, s, domain.ErrIdentityInvalid)
		}
	}
	p := Pattern{raw: s, Project: parts[0], Stack: "*", Context: "*"}
	if len(parts) > 1 {
		p.Stack = parts[1]
	}
	if len(parts) > 2 {
		p.Context = parts[2]
	}
	return p, nil
}

// segmentValidPattern allows a bare "*", an embedded "*" within an
// otherwise-valid segment (e.g. "acme-*"), or a plain valid segment.
func segmentValidPattern(s string) bool {
	if s == "*" {
		return true
	}
	if len(s) < minSegmentLen || len(s) > maxSegmentLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == '*':
		default:
			return false
		}
	}
	return true
}

// Matches reports whether id satisfies pattern. A bare "*" segment in the
// pattern matches any value for that segment. An embedded "*" inside an
// otherwise-concrete segment (e.g. "acme-*") is matched the same way the
// SQL LIKE translation in Glob treats it: as a prefix/suffix/substring glob
// over that one segment, never crossing a ":" boundary.
func (p Pattern) Matches(id Identity) bool {
	return segmentMatches(p.Project, id.Project) &&
		segmentMatches(p.Stack, id.Stack) &&
		segmentMatches(p.Context, id.Context)
}

func segmentMatches(patternSeg, idSeg string) bool {
	if patternSeg == "*" || patternSeg == "" {
		return true
	}
	if !strings.Contains(patternSeg, "*") {
		return patternSeg == idSeg
	}
	return globSegmentMatch(patternSeg, idSeg)
}

// globSegmentMatch implements single-segment glob matching where "*" stands
// for any run of characters (including empty), equivalent to the SQL LIKE
// "%" translation used by Glob's WHERE clause.
func globSegmentMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last)
}

// GlobClause is a segment-wise WHERE fragment plus its bound arguments,
// built so that each segment either binds an exact-match parameter or a
// LIKE parameter with "*" translated to the SQL "%" wildcard. Callers join
// the three fragments with " AND ".
type GlobClause struct {
	ProjectSQL string
	ProjectArg string
	StackSQL   string
	StackArg   string
	ContextSQL string
	ContextArg string
}

// Glob compiles a Pattern into a segment-wise indexable query fragment.
// Each segment becomes either "col = ?" (exact) or "col LIKE ? ESCAPE '\'"
// (when it contains "*", translated to SQL "%") or the always-true "1=1"
// with no argument when the segment is a bare "*" or empty.
func Glob(p Pattern) GlobClause {
	var c GlobClause
	c.ProjectSQL, c.ProjectArg = globFragment("project", p.Project)
	c.StackSQL, c.StackArg = globFragment("stack", p.Stack)
	c.ContextSQL, c.ContextArg = globFragment("context", p.Context)
	return c
}

func globFragment(col, seg string) (sql string, arg string) {
	if seg == "*" || seg == "" {
		return "1=1", ""
	}
	if strings.Contains(seg, "*") {
		escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(seg)
		like := strings.ReplaceAll(escaped, "*", "%")
		return col + " LIKE ? ESCAPE '\\'", like
	}
	return col + " = ?", seg
}
