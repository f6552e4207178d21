package filter

import (
	"strconv"
	"strings"

	"github.com/owldb-live/resourcedb/internal/value"
)

// parser is a recursive-descent parser over the grammar in spec.md §4.A:
//
//	expr       := orExpr
//	orExpr     := andExpr (OR andExpr)*
//	andExpr    := atom (AND atom)*
//	atom       := '(' expr ')' | predicate
//	predicate  := identifier OP value
//	value      := string | number | bool | null | set | range
type parser struct {
	lex     *lexer
	cur     token
	src     string
	limits  Limits
	policy  *FieldPolicy
}

// Parse compiles a filter expression into a Node tree, enforcing the
// given complexity limits and field/operator allow-list.
func Parse(src string, limits Limits, policy *FieldPolicy) (*Node, error) {
	if len(src) > limits.MaxExpressionLength {
		return nil, &ComplexityExceededError{Limit: "max_expression_length", Max: limits.MaxExpressionLength}
	}
	if strings.TrimSpace(src) == "" {
		return True(), nil
	}
	p := &parser{lex: newLexer(src), src: src, limits: limits, policy: policy}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, &ParseError{Pos: p.cur.pos, Message: "unexpected trailing input " + p.cur.text, ParsedSoFar: src[:p.cur.pos]}
	}
	if node.Depth() > limits.MaxDepth {
		return nil, &ComplexityExceededError{Limit: "max_depth", Max: limits.MaxDepth}
	}
	if n := node.AtomCount(); n > limits.MaxAtoms {
		return nil, &ComplexityExceededError{Limit: "max_atoms", Max: limits.MaxAtoms}
	}
	return node, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.cur.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return or(children...), nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return and(children...), nil
}

func (p *parser) parseAtom() (*Node, error) {
	if p.cur.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, &ParseError{Pos: p.cur.pos, Message: "expected ')'", Suggestion: "close the group with ')'"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (*Node, error) {
	if p.cur.kind != tokIdent {
		return nil, &ParseError{Pos: p.cur.pos, Message: "expected field identifier", Suggestion: "predicates look like 'field==value'"}
	}
	field := p.cur.text
	fieldPos := p.cur.pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokOp {
		return nil, &ParseError{Pos: p.cur.pos, Message: "expected operator after field " + field}
	}
	op, ok := operatorText[p.cur.text]
	if !ok {
		return nil, &UnknownOperatorError{Operator: p.cur.text}
	}
	opText := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}

	if !p.policy.allows(field) {
		return nil, &DisallowedFieldError{Field: field}
	}
	if !p.policy.allowsOperator(field, op) {
		return nil, &DisallowedOperatorError{Field: field, Operator: opText}
	}

	node := &Node{Kind: NodeOp, Field: field, Operator: op}
	_ = fieldPos

	switch op {
	case OpIsNull, OpIsEmpty:
		// no value operand
		return node, nil
	case OpIn, OpOut:
		set, err := p.parseSet()
		if err != nil {
			return nil, err
		}
		node.Set = set
		return node, nil
	case OpBetween, OpNBetween:
		lo, hi, err := p.parseRange()
		if err != nil {
			return nil, err
		}
		node.Range = [2]value.Value{lo, hi}
		return node, nil
	case OpMinLength, OpMaxLength, OpLength:
		lit, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		node.Literal = lit
		return node, nil
	default:
		lit, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		node.Literal = lit
		return node, nil
	}
}

func (p *parser) parseValue() (value.Value, error) {
	switch p.cur.kind {
	case tokString:
		v := value.String(p.cur.text)
		return v, p.advance()
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return value.Value{}, &ParseError{Pos: p.cur.pos, Message: "invalid number " + p.cur.text}
		}
		v := value.Number(n)
		return v, p.advance()
	case tokTrue:
		return value.Bool(true), p.advance()
	case tokFalse:
		return value.Bool(false), p.advance()
	case tokNull:
		return value.Null(), p.advance()
	default:
		return value.Value{}, &ParseError{Pos: p.cur.pos, Message: "expected a value (string, number, true, false, or null)", Suggestion: "write a literal after the operator, e.g. field==\"text\" or field==42"}
	}
}

// parseSet parses '(' v1 ',' v2 ... ')' for =in=/=out=.
func (p *parser) parseSet() ([]value.Value, error) {
	if p.cur.kind != tokLParen {
		return nil, &ParseError{Pos: p.cur.pos, Message: "expected '(' to start a value set", Suggestion: "=in= takes a set like (a,b,c)"}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var values []value.Value
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.cur.kind == tokOr { // ',' is lexed as tokOr
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.cur.kind != tokRParen {
		return nil, &ParseError{Pos: p.cur.pos, Message: "expected ')' to close a value set"}
	}
	return values, p.advance()
}

// parseRange parses '[' lo ',' hi ']' for =between=/=nbetween=.
func (p *parser) parseRange() (value.Value, value.Value, error) {
	if p.cur.kind != tokLBracket {
		return value.Value{}, value.Value{}, &ParseError{Pos: p.cur.pos, Message: "expected '[' to start a range", Suggestion: "=between= takes a range like [lo,hi]"}
	}
	if err := p.advance(); err != nil {
		return value.Value{}, value.Value{}, err
	}
	lo, err := p.parseValue()
	if err != nil {
		return value.Value{}, value.Value{}, err
	}
	if p.cur.kind != tokOr {
		return value.Value{}, value.Value{}, &ParseError{Pos: p.cur.pos, Message: "expected ',' between range bounds"}
	}
	if err := p.advance(); err != nil {
		return value.Value{}, value.Value{}, err
	}
	hi, err := p.parseValue()
	if err != nil {
		return value.Value{}, value.Value{}, err
	}
	if p.cur.kind != tokRBracket {
		return value.Value{}, value.Value{}, &ParseError{Pos: p.cur.pos, Message: "expected ']' to close a range"}
	}
	return lo, hi, p.advance()
}
