package pyenvd

import (
	"fmt"
	"strings"
)

// ConstraintKind tags the variant held by a VersionConstraint.
//
// Modeled as an exhaustive tagged sum rather than an interface hierarchy:
// §9 rules out runtime type-switches over implementations, so every
// operation on VersionConstraint is a single switch over Kind.
type ConstraintKind int

const (
	KindAny ConstraintKind = iota
	KindExact
	KindRange
	KindAnd
	KindOr
	KindNot
)

// VersionConstraint is a predicate over Version.
//
// The zero value is KindAny (matches everything), which is deliberate: a
// constraint map defaulting to the zero value behaves like "no constraint"
// rather than "match nothing".
type VersionConstraint struct {
	Kind ConstraintKind

	// KindExact
	Exact Version

	// KindRange
	Min, Max   *Version
	IncludeMin bool
	IncludeMax bool

	// KindAnd, KindOr
	Sub []VersionConstraint

	// KindNot
	Inner *VersionConstraint
}

// Any is the always-true constraint ("*").
func Any() VersionConstraint { return VersionConstraint{Kind: KindAny} }

// ExactConstraint matches exactly one version.
func ExactConstraint(v Version) VersionConstraint {
	return VersionConstraint{Kind: KindExact, Exact: v}
}

// RangeConstraint matches versions within [min, max] (bounds optional,
// inclusivity controlled per side).
func RangeConstraint(min, max *Version, includeMin, includeMax bool) VersionConstraint {
	return VersionConstraint{
		Kind: KindRange, Min: min, Max: max,
		IncludeMin: includeMin, IncludeMax: includeMax,
	}
}

// AndConstraint requires every sub-constraint to match.
func AndConstraint(cs ...VersionConstraint) VersionConstraint {
	return VersionConstraint{Kind: KindAnd, Sub: cs}
}

// OrConstraint requires at least one sub-constraint to match.
func OrConstraint(cs ...VersionConstraint) VersionConstraint {
	return VersionConstraint{Kind: KindOr, Sub: cs}
}

// NotConstraint negates the inner constraint.
func NotConstraint(inner VersionConstraint) VersionConstraint {
	return VersionConstraint{Kind: KindNot, Inner: &inner}
}

// Match reports whether v satisfies the constraint.
func (c VersionConstraint) Match(v Version) bool {
	switch c.Kind {
	case KindAny:
		return true
	case KindExact:
		return v.Equal(c.Exact)
	case KindRange:
		if c.Min != nil {
			cmp := v.Compare(*c.Min)
			if cmp < 0 || (cmp == 0 && !c.IncludeMin) {
				return false
			}
		}
		if c.Max != nil {
			cmp := v.Compare(*c.Max)
			if cmp > 0 || (cmp == 0 && !c.IncludeMax) {
				return false
			}
		}
		return true
	case KindAnd:
		for _, s := range c.Sub {
			if !s.Match(v) {
				return false
			}
		}
		return true
	case KindOr:
		for _, s := range c.Sub {
			if s.Match(v) {
				return true
			}
		}
		return len(c.Sub) == 0
	case KindNot:
		return !c.Inner.Match(v)
	default:
		return false
	}
}

// String renders the normalized form of the constraint. Parsing the result
// of String reproduces an equivalent constraint (see ParseConstraint).
func (c VersionConstraint) String() string {
	switch c.Kind {
	case KindAny:
		return "*"
	case KindExact:
		return "=" + c.Exact.String()
	case KindRange:
		var parts []string
		if c.Min != nil {
			op := ">"
			if c.IncludeMin {
				op = ">="
			}
			parts = append(parts, op+c.Min.String())
		}
		if c.Max != nil {
			op := "<"
			if c.IncludeMax {
				op = "<="
			}
			parts = append(parts, op+c.Max.String())
		}
		if len(parts) == 0 {
			return "*"
		}
		return strings.Join(parts, ",")
	case KindAnd:
		parts := make([]string, len(c.Sub))
		for i, s := range c.Sub {
			parts[i] = s.String()
		}
		return strings.Join(parts, ",")
	case KindOr:
		parts := make([]string, len(c.Sub))
		for i, s := range c.Sub {
			parts[i] = s.String()
		}
		return strings.Join(parts, "||")
	case KindNot:
		return "!" + c.Inner.String()
	default:
		return "*"
	}
}

// ParseConstraint parses the grammar described in spec §3: operators
// = > >= < <= ~ !, comma as AND, "||" as OR, "*" as Any.
//
// "||" binds loosest, then comma, mirroring the criterion/Range composition
// in the PEP-440 range grammar this is grounded on, extended with Or/Not.
func ParseConstraint(s string) (VersionConstraint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Any(), nil
	}
	orParts := strings.Split(s, "||")
	ors := make([]VersionConstraint, 0, len(orParts))
	for _, op := range orParts {
		and, err := parseAndClause(op)
		if err != nil {
			return VersionConstraint{}, err
		}
		ors = append(ors, and)
	}
	if len(ors) == 1 {
		return ors[0], nil
	}
	return OrConstraint(ors...), nil
}

func parseAndClause(s string) (VersionConstraint, error) {
	fields := strings.Split(s, ",")
	ands := make([]VersionConstraint, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		c, err := parseAtom(f)
		if err != nil {
			return VersionConstraint{}, err
		}
		ands = append(ands, c)
	}
	switch len(ands) {
	case 0:
		return Any(), nil
	case 1:
		return ands[0], nil
	default:
		return AndConstraint(ands...), nil
	}
}

func parseAtom(f string) (VersionConstraint, error) {
	if f == "*" {
		return Any(), nil
	}
	if strings.HasPrefix(f, "!") {
		inner, err := parseAtom(strings.TrimSpace(f[1:]))
		if err != nil {
			return VersionConstraint{}, err
		}
		return NotConstraint(inner), nil
	}
	for _, op := range []string{">=", "<=", "~", "=", ">", "<"} {
		if strings.HasPrefix(f, op) {
			rest := strings.TrimSpace(f[len(op):])
			v, err := ParseVersion(rest)
			if err != nil && !strings.Contains(rest, "-") && strings.Count(rest, ".") < 2 {
				// A bound may omit trailing components ("<1.27", "<3");
				// the missing ones read as zero.
				padded := rest + strings.Repeat(".0", 2-strings.Count(rest, "."))
				if pv, perr := ParseVersion(padded); perr == nil {
					v, err = pv, nil
				}
			}
			if err != nil {
				return VersionConstraint{}, fmt.Errorf("pyenvd: parsing constraint %q: %w", f, err)
			}
			return atomConstraint(op, v)
		}
	}
	// Bare version string defaults to exact match.
	v, err := ParseVersion(f)
	if err != nil {
		return VersionConstraint{}, fmt.Errorf("pyenvd: parsing constraint %q: %w", f, err)
	}
	return ExactConstraint(v), nil
}

func atomConstraint(op string, v Version) (VersionConstraint, error) {
	switch op {
	case "=":
		return ExactConstraint(v), nil
	case ">":
		return RangeConstraint(&v, nil, false, false), nil
	case ">=":
		return RangeConstraint(&v, nil, true, false), nil
	case "<":
		return RangeConstraint(nil, &v, false, false), nil
	case "<=":
		return RangeConstraint(nil, &v, false, true), nil
	case "~":
		// Compatible-release: allow patch bumps, pin the major and minor.
		// ~1.2.3 => >=1.2.3,<1.3.0
		max := Version{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
		return RangeConstraint(&v, &max, true, false), nil
	default:
		return VersionConstraint{}, fmt.Errorf("pyenvd: unknown constraint operator %q", op)
	}
}

