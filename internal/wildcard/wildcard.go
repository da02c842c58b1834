// Package wildcard implements the FDSN wildcard dialect used in
// station/channel selectors: '*' and '?' glob wildcards, plus a
// leading '!' negation that stays client-side (FDSN services don't
// understand it, so it must never be sent in an outbound request
// body).
package wildcard

import (
	"strings"

	"github.com/gobwas/glob"
)

// Pattern is one parsed selector token.
type Pattern struct {
	raw     string
	negated bool
	g       glob.Glob
}

// Parse compiles one FDSN selector token (e.g. "HH?", "!LH*").
func Parse(token string) (Pattern, error) {
	negated := strings.HasPrefix(token, "!")
	body := strings.TrimPrefix(token, "!")
	g, err := glob.Compile(body)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{raw: body, negated: negated, g: g}, nil
}

// Negated reports whether this pattern excludes matches rather than
// including them.
func (p Pattern) Negated() bool { return p.negated }

// Match reports whether s matches this pattern's glob body, ignoring
// negation; callers combine Match with Negated to decide inclusion.
func (p Pattern) Match(s string) bool { return p.g.Match(s) }

// Selection is an ordered set of patterns for one field (network,
// station, location or channel). A value is selected if it matches at
// least one non-negated pattern (or there are none) and no negated
// pattern.
type Selection []Pattern

// ParseSelection parses a comma-separated list of FDSN selector tokens.
func ParseSelection(csv string) (Selection, error) {
	if csv == "" {
		return nil, nil
	}
	var out Selection
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		p, err := Parse(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Allows reports whether s is selected by this Selection.
func (s Selection) Allows(v string) bool {
	if len(s) == 0 {
		return true
	}
	matchedPositive := false
	hasPositive := false
	for _, p := range s {
		if p.Negated() {
			if p.Match(v) {
				return false
			}
			continue
		}
		hasPositive = true
		if p.Match(v) {
			matchedPositive = true
		}
	}
	return !hasPositive || matchedPositive
}

// PositiveTokens returns only the non-negated raw tokens, suitable for
// inclusion in an outbound FDSN request body or query string.
func (s Selection) PositiveTokens() []string {
	var out []string
	for _, p := range s {
		if !p.Negated() {
			out = append(out, p.raw)
		}
	}
	return out
}

// ToSQLLike translates one FDSN glob token ('*' any run, '?' any one
// char) into a SQL LIKE pattern ('%', '_'), escaping any literal '%',
// '_' or '\' already present in the token.
func ToSQLLike(token string) string {
	var b strings.Builder
	for _, r := range token {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
