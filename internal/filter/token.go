package filter

// Package filter implements the URL-safe predicate language from
// spec.md §4.A: a recursive-descent parser producing a Node tree with
// two interpreters (ToSQL, Evaluate), a closed operator set, and
// complexity limits.

// tokenKind is the closed set of lexical token kinds the expression
// grammar produces. Styled after the token-kind enumerations in
// other_examples' SQL tokenizers (go-mysql-server, tsqlparser).
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokTrue
	tokFalse
	tokNull
	tokOp
	tokAnd // ';' or '&&' or 'and'
	tokOr  // ',' or '||' or 'or'
	tokLParen
	tokRParen
	tokLBracket // '['
	tokRBracket // ']'
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string { return t.text }
