// Package label implements the label expression language used to match
// pending work against the labels a cloud advertises.
//
// A label expression is built from atoms combined with boolean
// operators.  From highest to lowest precedence:
//
//	!a          negation
//	a && b      conjunction
//	a || b      disjunction
//	a -> b      implication (left-associative, like && and ||)
//	a <-> b     equivalence
//
// Parentheses group sub-expressions.  Atoms are bare words or
// double-quoted strings (for labels containing operator characters).
package label

import (
	"errors"
	"sort"
	"strings"
)

// ErrSyntax is wrapped by every error returned from Parse.
var ErrSyntax = errors.New("label expression syntax error")

// Set is the set of atoms carried by a node or cloud.
type Set map[string]struct{}

// ParseSet splits a whitespace-separated label string into a Set.
func ParseSet(s string) Set {
	set := make(Set)
	for _, f := range strings.Fields(s) {
		set[f] = struct{}{}
	}
	return set
}

// Has reports whether atom is a member of the set.
func (s Set) Has(atom string) bool {
	_, ok := s[atom]
	return ok
}

// String returns the atoms in sorted order, separated by spaces.
func (s Set) String() string {
	atoms := make([]string, 0, len(s))
	for a := range s {
		atoms = append(atoms, a)
	}
	sort.Strings(atoms)
	return strings.Join(atoms, " ")
}

// Expr is a parsed label expression.
type Expr interface {
	// Matches reports whether the expression is satisfied by set.
	Matches(set Set) bool
	String() string
}

// Any is the empty expression.  It matches every set.
var Any Expr = anyExpr{}

type anyExpr struct{}

func (anyExpr) Matches(Set) bool { return true }
func (anyExpr) String() string   { return "" }

type atom string

func (a atom) Matches(set Set) bool { return set.Has(string(a)) }

func (a atom) String() string {
	s := string(a)
	if needsQuote(s) {
		r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
		return `"` + r.Replace(s) + `"`
	}
	return s
}

type not struct{ x Expr }

func (n not) Matches(set Set) bool { return !n.x.Matches(set) }
func (n not) String() string       { return "!" + paren(n.x) }

type and struct{ l, r Expr }

func (e and) Matches(set Set) bool { return e.l.Matches(set) && e.r.Matches(set) }
func (e and) String() string       { return paren(e.l) + "&&" + paren(e.r) }

type or struct{ l, r Expr }

func (e or) Matches(set Set) bool { return e.l.Matches(set) || e.r.Matches(set) }
func (e or) String() string       { return paren(e.l) + "||" + paren(e.r) }

type implies struct{ l, r Expr }

func (e implies) Matches(set Set) bool { return !e.l.Matches(set) || e.r.Matches(set) }
func (e implies) String() string       { return paren(e.l) + "->" + paren(e.r) }

type iff struct{ l, r Expr }

func (e iff) Matches(set Set) bool { return e.l.Matches(set) == e.r.Matches(set) }
func (e iff) String() string       { return paren(e.l) + "<->" + paren(e.r) }

// paren wraps compound expressions so String output re-parses to the
// same tree regardless of precedence.
func paren(e Expr) string {
	switch e.(type) {
	case atom, not:
		return e.String()
	default:
		return "(" + e.String() + ")"
	}
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, " \t\r\n()!&|\"") ||
		strings.Contains(s, "->") || strings.Contains(s, "<->")
}

// Match parses expr and matches it against the atoms in labels.  It is a
// convenience for one-shot checks.
func Match(expr, labels string) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.Matches(ParseSet(labels)), nil
}
