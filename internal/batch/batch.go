// Package batch implements Component G from spec.md §4.G: the two-phase
// batch confirm protocol guarding filter-scoped batch update/delete.
// A dry run computes the affected set and returns a signed token; apply
// re-verifies that token against the request before the pipeline ever
// touches a row. The signature scheme is the same truncated-SHA256-over-
// canonical-JSON construction internal/cursor uses for pagination
// cursors — spec.md §6 specifies it identically for both token kinds.
package batch

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/value"
)

// Operation is the closed set of batch operations requiring confirmation.
// Scalar-id operations never need a token (§4.G: "scalar-id operations
// are exempt").
type Operation string

const (
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Rejection reasons from §4.G, each distinguishable so callers can render
// the matching problem-document `code`.
var (
	ErrInvalidSignature  = errors.New("batch: invalid signature")
	ErrExpired           = errors.New("batch: token expired")
	ErrOperationMismatch = errors.New("batch: operation mismatch")
	ErrFilterMismatch    = errors.New("batch: filter mismatch")
	ErrMalformed         = errors.New("batch: malformed token")
	ErrLimitExceeded     = errors.New("batch: affected set exceeds maxAffectedRecords")
)

// DryRunResult is returned from a dry run: the full affected count, a
// bounded sample for display, and the opaque token to resubmit for apply.
type DryRunResult struct {
	Count        int
	SampleIDs    []string
	SampleItems  []value.Record
	ConfirmToken string
	ExpiresAt    time.Time
}

// wireToken is the signed payload, base64url-encoded on the wire.
type wireToken struct {
	Operation   Operation `json:"operation"`
	Filter      string    `json:"filterExpression"`
	AffectedIDs []string  `json:"affectedIds"`
	IssuedAt    int64     `json:"issuedAt"` // unix millis
	ExpiresAt   int64     `json:"expiresAt"`
	Signature   string    `json:"signature"`
}

// Confirmer holds the process-wide confirm-token secret, TTL, sample size
// and the maxAffectedRecords cap.
type Confirmer struct {
	Secret             []byte
	TTL                time.Duration
	SampleSize         int
	MaxAffectedRecords int
	Now                func() time.Time
}

func (c *Confirmer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Confirmer) sign(w wireToken) string {
	w.Signature = ""
	canon, _ := json.Marshal(w)
	sum := sha256.Sum256(append(canon, c.Secret...))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *Confirmer) sampleSize() int {
	if c.SampleSize > 0 {
		return c.SampleSize
	}
	return 10
}

// DryRun evaluates pred against the current DB state, builds the signed
// token over the full affected id set, and returns the bounded summary
// §4.G's dry-run step specifies.
func (c *Confirmer) DryRun(ctx context.Context, tx db.Tx, resource, filterExpr string, op Operation, pred db.Predicate) (DryRunResult, error) {
	rows, err := tx.Select(ctx, resource, pred, nil, 0)
	if err != nil {
		return DryRunResult{}, fmt.Errorf("batch: read affected rows: %w", err)
	}
	if c.MaxAffectedRecords > 0 && len(rows) > c.MaxAffectedRecords {
		return DryRunResult{}, ErrLimitExceeded
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row["id"].AsString()
	}

	issuedAt := c.now()
	expiresAt := issuedAt.Add(c.TTL)
	w := wireToken{
		Operation:   op,
		Filter:      normalizeFilter(filterExpr),
		AffectedIDs: ids,
		IssuedAt:    issuedAt.UnixMilli(),
		ExpiresAt:   expiresAt.UnixMilli(),
	}
	w.Signature = c.sign(w)
	raw, err := json.Marshal(w)
	if err != nil {
		return DryRunResult{}, fmt.Errorf("batch: encode token: %w", err)
	}
	token := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	n := c.sampleSize()
	if n > len(rows) {
		n = len(rows)
	}
	return DryRunResult{
		Count:        len(rows),
		SampleIDs:    ids[:n],
		SampleItems:  rows[:n],
		ConfirmToken: token,
		ExpiresAt:    expiresAt,
	}, nil
}

// Verify decodes and checks a confirm token against the apply request's
// own operation and filter expression, in the order §4.G names:
// signature, expiry, operation identity, filter-string equality
// (normalised). Returns the token's frozen affected-id set on success.
func (c *Confirmer) Verify(raw string, op Operation, filterExpr string) ([]string, error) {
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var w wireToken
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	expectedSig := c.sign(w)
	if subtle.ConstantTimeCompare([]byte(expectedSig), []byte(w.Signature)) != 1 {
		return nil, ErrInvalidSignature
	}
	if c.now().After(time.UnixMilli(w.ExpiresAt)) {
		return nil, ErrExpired
	}
	if w.Operation != op {
		return nil, ErrOperationMismatch
	}
	if w.Filter != normalizeFilter(filterExpr) {
		return nil, ErrFilterMismatch
	}
	return w.AffectedIDs, nil
}

// normalizeFilter collapses a filter expression to a canonical form for
// token comparison. Whitespace outside string literals is insignificant
// per §4.A's grammar, so dropping ASCII space/tab/newline runs is a safe
// normalisation; it does not touch quoted literals' contents since those
// never contain bare whitespace the grammar treats as insignificant.
func normalizeFilter(expr string) string {
	out := make([]byte, 0, len(expr))
	inQuote := false
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		if ch == '"' {
			inQuote = !inQuote
			out = append(out, ch)
			continue
		}
		if !inQuote && (ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r') {
			continue
		}
		out = append(out, ch)
	}
	return string(out)
}

// BypassAudit is one audit-log record for a bypassed confirmation (§4.G:
// "such calls are audit-logged").
type BypassAudit struct {
	Resource   string
	Operation  Operation
	FilterExpr string
	ActorID    string
	At         time.Time
}

// AuditLogger receives a record every time a caller invokes the bypass
// capability instead of the dry-run/apply handshake.
type AuditLogger interface {
	LogBypass(ctx context.Context, rec BypassAudit)
}
