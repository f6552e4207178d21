package filter

import (
	"regexp"
	"strings"

	"github.com/owldb-live/resourcedb/internal/value"
)

// Evaluate implements the in-memory interpreter. Per the SQL/in-memory
// equivalence invariant (spec.md §3), this must agree with ToSQL's
// predicate for every SQL-representable operator.
func Evaluate(n *Node, r value.Record) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case NodeTrue:
		return true
	case NodeAnd:
		for _, c := range n.Children {
			if !Evaluate(c, r) {
				return false
			}
		}
		return true
	case NodeOr:
		for _, c := range n.Children {
			if Evaluate(c, r) {
				return true
			}
		}
		return false
	case NodeOp:
		return evalOp(n, r)
	default:
		return false
	}
}

func evalOp(n *Node, r value.Record) bool {
	fv, present := r[n.Field]
	switch n.Operator {
	case OpIsNull:
		return !present || fv.IsNull()
	case OpIsEmpty:
		if !present || fv.IsNull() {
			return true
		}
		return fv.Kind() == value.KindString && fv.StringVal() == ""
	}
	if !present {
		fv = value.Null()
	}

	switch n.Operator {
	case OpEq:
		return compareEq(fv, n.Literal, false)
	case OpNe:
		return !compareEq(fv, n.Literal, false)
	case OpIEq:
		return compareEq(fv, n.Literal, true)
	case OpINe:
		return !compareEq(fv, n.Literal, true)
	case OpLt:
		c, ok := compareOrd(fv, n.Literal)
		return ok && c < 0
	case OpLe:
		c, ok := compareOrd(fv, n.Literal)
		return ok && c <= 0
	case OpGt:
		c, ok := compareOrd(fv, n.Literal)
		return ok && c > 0
	case OpGe:
		c, ok := compareOrd(fv, n.Literal)
		return ok && c >= 0
	case OpIn:
		for _, s := range n.Set {
			if fv.AsString() == s.AsString() {
				return true
			}
		}
		return false
	case OpOut:
		for _, s := range n.Set {
			if fv.AsString() == s.AsString() {
				return false
			}
		}
		return true
	case OpLike:
		return likeMatch(fv.AsString(), n.Literal.AsString(), false)
	case OpNotLike:
		return !likeMatch(fv.AsString(), n.Literal.AsString(), false)
	case OpILike:
		return likeMatch(fv.AsString(), n.Literal.AsString(), true)
	case OpNILike:
		return !likeMatch(fv.AsString(), n.Literal.AsString(), true)
	case OpContains:
		return strings.Contains(fv.AsString(), n.Literal.AsString())
	case OpIContains:
		return strings.Contains(strings.ToLower(fv.AsString()), strings.ToLower(n.Literal.AsString()))
	case OpStartsWith:
		return strings.HasPrefix(fv.AsString(), n.Literal.AsString())
	case OpEndsWith:
		return strings.HasSuffix(fv.AsString(), n.Literal.AsString())
	case OpBetween:
		lo, hi := n.Range[0], n.Range[1]
		c1, ok1 := compareOrd(fv, lo)
		c2, ok2 := compareOrd(fv, hi)
		return ok1 && ok2 && c1 >= 0 && c2 <= 0
	case OpNBetween:
		lo, hi := n.Range[0], n.Range[1]
		c1, ok1 := compareOrd(fv, lo)
		c2, ok2 := compareOrd(fv, hi)
		return !(ok1 && ok2 && c1 >= 0 && c2 <= 0)
	case OpLength:
		want, _ := n.Literal.AsNumber()
		return float64(len([]rune(fv.AsString()))) == want
	case OpMinLength:
		want, _ := n.Literal.AsNumber()
		return float64(len([]rune(fv.AsString()))) >= want
	case OpMaxLength:
		want, _ := n.Literal.AsNumber()
		return float64(len([]rune(fv.AsString()))) <= want
	case OpRegex:
		return regexMatch(fv.AsString(), n.Literal.AsString(), false)
	case OpIRegex:
		return regexMatch(fv.AsString(), n.Literal.AsString(), true)
	default:
		return false
	}
}

// compareEq implements == / =ieq= semantics: numeric coercion between a
// number and a numeric-looking string, instant comparison for date-like
// strings, case-folding when ci is true, codepoint equality otherwise.
func compareEq(a, b value.Value, ci bool) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	if a.Kind() == value.KindBool || b.Kind() == value.KindBool {
		return a.AsString() == b.AsString()
	}
	if an, aok := a.AsNumber(); aok {
		if bn, bok := b.AsNumber(); bok && (a.Kind() == value.KindNumber || b.Kind() == value.KindNumber) {
			return an == bn
		}
	}
	if at, aok := a.AsTime(); aok {
		if bt, bok := b.AsTime(); bok {
			return at.Equal(bt)
		}
	}
	as, bs := a.AsString(), b.AsString()
	if ci {
		return strings.EqualFold(as, bs)
	}
	return as == bs
}

// compareOrd returns (-1,0,1) ordering between a and b for the ordered
// operators. Numbers compare numerically; instant-parseable strings
// compare as instants; otherwise codepoint order, matching §4.A.
func compareOrd(a, b value.Value) (int, bool) {
	if an, aok := a.AsNumber(); aok {
		if bn, bok := b.AsNumber(); bok && (a.Kind() == value.KindNumber || b.Kind() == value.KindNumber) {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if at, aok := a.AsTime(); aok {
		if bt, bok := b.AsTime(); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if a.IsNull() || b.IsNull() {
		return 0, false
	}
	as, bs := a.AsString(), b.AsString()
	return strings.Compare(as, bs), true
}

// likeMatch implements SQL LIKE semantics: '%' = any run, '_' = one char,
// '\' escapes, per §4.A.
func likeMatch(s, pattern string, ci bool) bool {
	re := likeToRegexp(pattern)
	if ci {
		re = "(?i)" + re
	}
	matched, err := regexp.MatchString(re, s)
	return err == nil && matched
}

func likeToRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString("^")
	escaped := false
	for _, r := range pattern {
		if escaped {
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}

func regexMatch(s, pattern string, ci bool) bool {
	expr := pattern
	if ci {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
