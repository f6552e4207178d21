package filter

import (
	"fmt"
	"strings"

	"github.com/owldb-live/resourcedb/internal/value"
)

// SQL is a parameterised predicate fragment: Where is a boolean SQL
// expression referencing $1, $2, ... placeholders (Postgres numbered-
// parameter style, matching github.com/lib/pq), and Args holds the bound
// values in order. No literal is ever interpolated into Where — the dual
// evaluation contract in §4.A requires every literal to be bound.
type SQL struct {
	Where string
	Args  []any
}

// ToSQL compiles the filter tree into a parameterised predicate. quoteIdent
// lets the caller apply dialect-specific identifier quoting (e.g. double
// quotes for Postgres column names that collide with keywords).
func ToSQL(n *Node, quoteIdent func(string) string) SQL {
	b := &sqlBuilder{quoteIdent: quoteIdent}
	where := b.build(n)
	if where == "" {
		where = "TRUE"
	}
	return SQL{Where: where, Args: b.args}
}

type sqlBuilder struct {
	args       []any
	quoteIdent func(string) string
}

func (b *sqlBuilder) bind(v value.Value) string {
	b.args = append(b.args, v.Any())
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) col(field string) string {
	if b.quoteIdent != nil {
		return b.quoteIdent(field)
	}
	return field
}

func (b *sqlBuilder) build(n *Node) string {
	if n == nil {
		return "TRUE"
	}
	switch n.Kind {
	case NodeTrue:
		return "TRUE"
	case NodeAnd:
		return b.join(n.Children, " AND ")
	case NodeOr:
		return b.join(n.Children, " OR ")
	case NodeOp:
		return b.buildOp(n)
	default:
		return "TRUE"
	}
}

func (b *sqlBuilder) join(children []*Node, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = "(" + b.build(c) + ")"
	}
	return strings.Join(parts, sep)
}

func (b *sqlBuilder) buildOp(n *Node) string {
	col := b.col(n.Field)
	switch n.Operator {
	case OpEq:
		return fmt.Sprintf("%s = %s", col, b.bind(n.Literal))
	case OpNe:
		return fmt.Sprintf("%s != %s", col, b.bind(n.Literal))
	case OpIEq:
		return fmt.Sprintf("LOWER(%s) = LOWER(%s)", col, b.bind(n.Literal))
	case OpINe:
		return fmt.Sprintf("LOWER(%s) != LOWER(%s)", col, b.bind(n.Literal))
	case OpLt:
		return fmt.Sprintf("%s < %s", col, b.bind(n.Literal))
	case OpLe:
		return fmt.Sprintf("%s <= %s", col, b.bind(n.Literal))
	case OpGt:
		return fmt.Sprintf("%s > %s", col, b.bind(n.Literal))
	case OpGe:
		return fmt.Sprintf("%s >= %s", col, b.bind(n.Literal))
	case OpIn:
		if len(n.Set) == 0 {
			return "FALSE"
		}
		placeholders := make([]string, len(n.Set))
		for i, v := range n.Set {
			placeholders[i] = b.bind(v)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
	case OpOut:
		if len(n.Set) == 0 {
			return "TRUE"
		}
		placeholders := make([]string, len(n.Set))
		for i, v := range n.Set {
			placeholders[i] = b.bind(v)
		}
		return fmt.Sprintf("%s NOT IN (%s)", col, strings.Join(placeholders, ", "))
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", col)
	case OpIsEmpty:
		return fmt.Sprintf("(%s IS NULL OR %s = '')", col, col)
	case OpLike:
		return fmt.Sprintf("%s LIKE %s", col, b.bind(n.Literal))
	case OpNotLike:
		return fmt.Sprintf("%s NOT LIKE %s", col, b.bind(n.Literal))
	case OpILike:
		return fmt.Sprintf("%s ILIKE %s", col, b.bind(n.Literal))
	case OpNILike:
		return fmt.Sprintf("%s NOT ILIKE %s", col, b.bind(n.Literal))
	case OpContains:
		return fmt.Sprintf("%s LIKE '%%' || %s || '%%'", col, b.bind(n.Literal))
	case OpIContains:
		return fmt.Sprintf("%s ILIKE '%%' || %s || '%%'", col, b.bind(n.Literal))
	case OpStartsWith:
		return fmt.Sprintf("%s LIKE %s || '%%'", col, b.bind(n.Literal))
	case OpEndsWith:
		return fmt.Sprintf("%s LIKE '%%' || %s", col, b.bind(n.Literal))
	case OpBetween:
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, b.bind(n.Range[0]), b.bind(n.Range[1]))
	case OpNBetween:
		return fmt.Sprintf("%s NOT BETWEEN %s AND %s", col, b.bind(n.Range[0]), b.bind(n.Range[1]))
	case OpLength:
		return fmt.Sprintf("LENGTH(%s) = %s", col, b.bind(n.Literal))
	case OpMinLength:
		return fmt.Sprintf("LENGTH(%s) >= %s", col, b.bind(n.Literal))
	case OpMaxLength:
		return fmt.Sprintf("LENGTH(%s) <= %s", col, b.bind(n.Literal))
	case OpRegex:
		// §4.A: "SQL falls back to GLOB or a documented approximation".
		// Postgres uses POSIX regex match, which is the closest faithful
		// translation available (not a true fallback on this dialect).
		return fmt.Sprintf("%s ~ %s", col, b.bind(n.Literal))
	case OpIRegex:
		return fmt.Sprintf("%s ~* %s", col, b.bind(n.Literal))
	default:
		return "TRUE"
	}
}

// Combine ANDs together several independently-numbered SQL fragments
// (e.g. a filter predicate and a cursor keyset predicate) into one,
// renumbering every `$N` placeholder so the result is valid as a single
// query's parameter list.
func Combine(clauses ...SQL) SQL {
	var out SQL
	var parts []string
	for _, c := range clauses {
		if c.Where == "" || c.Where == "TRUE" {
			continue
		}
		offset := len(out.Args)
		parts = append(parts, renumberPlaceholders(c.Where, offset))
		out.Args = append(out.Args, c.Args...)
	}
	if len(parts) == 0 {
		return SQL{Where: "TRUE"}
	}
	out.Where = "(" + strings.Join(parts, ") AND (") + ")"
	return out
}

// renumberPlaceholders rewrites every `$N` in where to `$(N+offset)`,
// building a fresh output string so rewritten placeholders never feed
// back into the scan.
func renumberPlaceholders(where string, offset int) string {
	if offset == 0 {
		return where
	}
	var b strings.Builder
	i := 0
	for i < len(where) {
		if where[i] == '$' && i+1 < len(where) && where[i+1] >= '0' && where[i+1] <= '9' {
			j := i + 1
			for j < len(where) && where[j] >= '0' && where[j] <= '9' {
				j++
			}
			n := 0
			fmt.Sscanf(where[i+1:j], "%d", &n)
			fmt.Fprintf(&b, "$%d", n+offset)
			i = j
			continue
		}
		b.WriteByte(where[i])
		i++
	}
	return b.String()
}
