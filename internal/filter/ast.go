package filter

import "github.com/owldb-live/resourcedb/internal/value"

// Operator is the closed, ordered set of predicate operators from
// spec.md §4.A. One tagged variant per node kind, no virtual dispatch —
// per §9 DESIGN NOTES ("one tagged variant per node kind").
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpOut
	OpIsNull
	OpIsEmpty
	OpLike
	OpNotLike
	OpIEq
	OpINe
	OpILike
	OpNILike
	OpContains
	OpIContains
	OpStartsWith
	OpEndsWith
	OpBetween
	OpNBetween
	OpLength
	OpMinLength
	OpMaxLength
	OpRegex
	OpIRegex
)

// operatorText maps lexed operator spellings (including aliases) to the
// canonical Operator.
var operatorText = map[string]Operator{
	"==": OpEq, "!=": OpNe,
	"<": OpLt, "=lt=": OpLt,
	"<=": OpLe, "=le=": OpLe,
	">": OpGt, "=gt=": OpGt,
	">=": OpGe, "=ge=": OpGe,
	"=in=": OpIn, "=out=": OpOut,
	"=isnull=": OpIsNull, "=isempty=": OpIsEmpty,
	"%=": OpLike, "!%=": OpNotLike,
	"=ieq=": OpIEq, "=ine=": OpINe,
	"=ilike=": OpILike, "=nilike=": OpNILike,
	"=contains=": OpContains, "=icontains=": OpIContains,
	"=startswith=": OpStartsWith, "=endswith=": OpEndsWith,
	"=between=": OpBetween, "=nbetween=": OpNBetween,
	"=length=": OpLength, "=minlength=": OpMinLength, "=maxlength=": OpMaxLength,
	"=regex=": OpRegex, "=iregex=": OpIRegex,
}

func (o Operator) String() string {
	for text, op := range operatorText {
		if op == o {
			return text
		}
	}
	return "?"
}

// approximatedInSQL reports whether the operator has no faithful SQL translation and
// must fall back to an approximation (§4.A: "regex... SQL falls back to
// GLOB or a documented approximation").
func (o Operator) approximatedInSQL() bool {
	return o == OpRegex || o == OpIRegex
}

// NodeKind discriminates the Node sum type.
type NodeKind int

const (
	NodeTrue NodeKind = iota
	NodeAnd
	NodeOr
	NodeOp
)

// Node is the tree of predicate nodes: {And, Or, Op(field, operator,
// literal|set|range), True}. Immutable once constructed by Parse.
type Node struct {
	Kind     NodeKind
	Children []*Node // And / Or

	Field    string   // Op
	Operator Operator // Op
	Literal  value.Value
	Set      []value.Value // =in=/=out=
	Range    [2]value.Value // =between=/=nbetween=, also the '[lo,hi]' atom form
}

// True is the identity predicate, matching every record.
func True() *Node { return &Node{Kind: NodeTrue} }

func and(children ...*Node) *Node { return &Node{Kind: NodeAnd, Children: children} }
func or(children ...*Node) *Node  { return &Node{Kind: NodeOr, Children: children} }

// Depth returns the maximum nesting depth of combinators, used for the
// §4.A "max depth" complexity limit.
func (n *Node) Depth() int {
	if n == nil || len(n.Children) == 0 {
		return 1
	}
	max := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// AtomCount returns the number of Op leaf nodes, used for the §4.A
// "max atomic nodes" complexity limit.
func (n *Node) AtomCount() int {
	if n == nil {
		return 0
	}
	if n.Kind == NodeOp {
		return 1
	}
	total := 0
	for _, c := range n.Children {
		total += c.AtomCount()
	}
	return total
}

// And conjoins this node with another, used to build combinedFilter =
// filter ∧ scopeFilter (§4.E step 2).
func And(a, b *Node) *Node {
	if a == nil || a.Kind == NodeTrue {
		return b
	}
	if b == nil || b.Kind == NodeTrue {
		return a
	}
	return and(a, b)
}
