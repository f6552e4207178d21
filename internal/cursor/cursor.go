// Package cursor implements Component C from spec.md §4.C/§6: signed,
// versioned, order-aware keyset pagination cursors. The wire encoding and
// signature scheme mirror §6's confirm-token scheme exactly (Base64url of
// JSON, with a truncated SHA-256 digest over the canonical payload and a
// server secret), since spec.md specifies that scheme down to the hash
// function and leaves no room for a library substitution.
package cursor

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/owldb-live/resourcedb/internal/value"
)

// OrderSpec is one field of an `orderBy` list: `(field, direction)`.
type OrderSpec struct {
	Field string
	Desc  bool
}

// OrderByHash deterministically hashes an orderBy list so a decoded cursor
// can be checked against the orderBy the caller is currently using (§4.C
// rule 2: "orderHash equals hash(current orderBy)").
func OrderByHash(orderBy []OrderSpec) string {
	h := sha256.New()
	for _, o := range orderBy {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		fmt.Fprintf(h, "%s:%s;", o.Field, dir)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// wireCursor is the exact JSON shape from §6: Base64url(JSON({v, id, _ver,
// _orderByHash, _ts})), plus a trailing signature field.
type wireCursor struct {
	SortKey      map[string]any `json:"v"`
	TieBreakerID string         `json:"id"`
	Version      int            `json:"_ver"`
	OrderByHash  string         `json:"_orderByHash"`
	IssuedAt     int64          `json:"_ts"` // unix millis
	Signature    string         `json:"_sig"`
}

// Cursor is the decoded, verified keyset position.
type Cursor struct {
	SortKey      value.Record
	TieBreakerID string
	IssuedAt     time.Time
}

// Rejection reasons from §4.C, each a distinct error type so callers can
// render the matching problem-document `code`.
var (
	ErrVersionMismatch = errors.New("cursor: version mismatch")
	ErrOrderByMismatch = errors.New("cursor: orderBy mismatch")
	ErrTampered        = errors.New("cursor: signature invalid")
	ErrExpired         = errors.New("cursor: expired")
	ErrMalformed       = errors.New("cursor: malformed")
)

// Signer holds the process-wide cursor secret and version, and the
// configured maximum cursor age.
type Signer struct {
	Secret  []byte
	Version int
	MaxAge  time.Duration
}

func (s *Signer) sign(payload wireCursor) string {
	payload.Signature = ""
	canon, _ := json.Marshal(payload)
	sum := sha256.Sum256(append(canon, s.Secret...))
	return hex.EncodeToString(sum[:])[:16]
}

// Encode produces the opaque cursor string for a row's sort key, in the
// tuple order given by orderBy.
func (s *Signer) Encode(orderBy []OrderSpec, sortKey value.Record, tieBreakerID string, issuedAt time.Time) (string, error) {
	w := wireCursor{
		SortKey:      sortKey.ToJSON(),
		TieBreakerID: tieBreakerID,
		Version:      s.Version,
		OrderByHash:  OrderByHash(orderBy),
		IssuedAt:     issuedAt.UnixMilli(),
	}
	w.Signature = s.sign(w)
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw), nil
}

// Decode validates and parses an opaque cursor string against the caller's
// current orderBy list and clock, applying the four checks from §4.C in
// order: version, orderHash, signature, then age.
func (s *Signer) Decode(raw string, orderBy []OrderSpec, now time.Time) (*Cursor, error) {
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var w wireCursor
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Version != s.Version {
		return nil, ErrVersionMismatch
	}
	if w.OrderByHash != OrderByHash(orderBy) {
		return nil, ErrOrderByMismatch
	}
	expectedSig := s.sign(w)
	if subtle.ConstantTimeCompare([]byte(expectedSig), []byte(w.Signature)) != 1 {
		return nil, ErrTampered
	}
	issuedAt := time.UnixMilli(w.IssuedAt)
	if s.MaxAge > 0 && now.Sub(issuedAt) > s.MaxAge {
		return nil, ErrExpired
	}

	return &Cursor{
		SortKey:      value.RecordFromJSON(w.SortKey),
		TieBreakerID: w.TieBreakerID,
		IssuedAt:     issuedAt,
	}, nil
}

// Predicate is a parameterized SQL WHERE fragment plus its bound args,
// mirroring internal/filter's SQL output shape so callers can AND it
// straight into a filter-derived WHERE clause.
type Predicate struct {
	Where string
	Args  []any
}

// BuildPredicate expands the cursor condition for a tuple sort
// `(f1 dir1, …, fn dirn, id asc)` into the standard lexicographic
// "greater-than tuple" form from §4.C, with a nulls-last branch per field
// and a final tie-breaker on the primary key.
//
// For a two-field order (a asc, b desc) with tie-breaker id, the expansion
// is:
//
//	(a > av) OR (a = av AND b < bv) OR (a = av AND b = bv AND id > idv)
//
// nullsLast controls how a field whose cursor value is NULL is handled:
// with nullsLast, NULLs sort last in either direction, so a NULL cursor
// value means "no rows left in this field" for ascending and descending
// fields alike (the branch is `1=0` and only the equality continuation and
// tie-breaker can match); without nullsLast, the branch requires the
// field to be `IS NOT NULL`.
func BuildPredicate(orderBy []OrderSpec, c *Cursor, nullsLast bool, quoteIdent func(string) string) Predicate {
	var p Predicate
	clauses := make([]string, 0, len(orderBy)+1)

	for i := range orderBy {
		var parts []string
		for j := 0; j < i; j++ {
			parts = append(parts, eqClause(orderBy[j], c, nullsLast, quoteIdent, &p))
		}
		parts = append(parts, gtClause(orderBy[i], c, nullsLast, quoteIdent, &p))
		clauses = append(clauses, "("+joinAnd(parts)+")")
	}

	// final tie-breaker: every field equal, id > tieBreakerId
	var tieParts []string
	for _, o := range orderBy {
		tieParts = append(tieParts, eqClause(o, c, nullsLast, quoteIdent, &p))
	}
	p.Args = append(p.Args, c.TieBreakerID)
	tieParts = append(tieParts, fmt.Sprintf("%s > $%d", quoteIdent("id"), len(p.Args)))
	clauses = append(clauses, "("+joinAnd(tieParts)+")")

	p.Where = joinOr(clauses)
	return p
}

func eqClause(o OrderSpec, c *Cursor, nullsLast bool, quoteIdent func(string) string, p *Predicate) string {
	v, ok := c.SortKey[o.Field]
	col := quoteIdent(o.Field)
	if !ok || v.IsNull() {
		return fmt.Sprintf("%s IS NULL", col)
	}
	p.Args = append(p.Args, v.Any())
	return fmt.Sprintf("%s = $%d", col, len(p.Args))
}

func gtClause(o OrderSpec, c *Cursor, nullsLast bool, quoteIdent func(string) string, p *Predicate) string {
	v, ok := c.SortKey[o.Field]
	col := quoteIdent(o.Field)
	asc := !o.Desc

	if !ok || v.IsNull() {
		// cursor value is NULL: with nulls-last, a NULL has already sorted
		// after every non-null row in ascending order, so there is nothing
		// further to return on this branch; in descending order, NULL is
		// still last, so remaining rows are exactly the other NULLs ordered
		// by the tie-breaker, expressed by excluding this branch entirely
		// (handled by the equality continuation/tie-breaker clause).
		if nullsLast {
			return "1=0"
		}
		// nulls-first: remaining non-null rows all come after any NULL.
		return fmt.Sprintf("%s IS NOT NULL", col)
	}

	p.Args = append(p.Args, v.Any())
	op := ">"
	if !asc {
		op = "<"
	}
	return fmt.Sprintf("%s %s $%d", col, op, len(p.Args))
}

func joinAnd(parts []string) string { return joinWith(parts, " AND ") }
func joinOr(parts []string) string  { return joinWith(parts, " OR ") }

func joinWith(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// SortRecord returns the fields of r (projected to RFC-wire-friendly
// values) needed to build a cursor for the given orderBy list.
func SortRecord(orderBy []OrderSpec, r value.Record) value.Record {
	out := make(value.Record, len(orderBy))
	for _, o := range orderBy {
		if v, ok := r[o.Field]; ok {
			out[o.Field] = v
		} else {
			out[o.Field] = value.Null()
		}
	}
	return out
}

// SortOrderSpecs parses the "field,-field2" compact orderBy wire form used
// by the `orderBy` query parameter (a leading `-` means descending).
func SortOrderSpecs(fields []string) []OrderSpec {
	specs := make([]OrderSpec, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		desc := false
		if f[0] == '-' {
			desc = true
			f = f[1:]
		} else if f[0] == '+' {
			f = f[1:]
		}
		specs = append(specs, OrderSpec{Field: f, Desc: desc})
	}
	return specs
}
