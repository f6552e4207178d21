// Package apperr defines the closed set of error kinds named in spec.md §7
// and renders them to the problem-document JSON shape from §6:
// { type, title, status, detail, code, instance?, errors?, debug? }.
// This generalizes OwlDB's handlers.respondWithError (a bare message plus
// status code) into a structured, machine-switchable error so a client can
// branch on `code` without parsing `detail`.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed error kinds from §7.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not-found"
	KindPreconditionFailed Kind = "precondition-failed"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate-limited"
	KindForbidden          Kind = "forbidden"
	KindUnauthorised       Kind = "unauthorised"
	KindFilterParse        Kind = "filter-parse"
	KindCursorInvalid      Kind = "cursor-invalid"
	KindCursorExpired      Kind = "cursor-expired"
	KindIdempotencyMismatch Kind = "idempotency-mismatch"
	KindBatchLimitExceeded Kind = "batch-limit-exceeded"
	KindSearchUnavailable  Kind = "search-unavailable"
	KindInternal           Kind = "internal"
)

// codes maps each kind to the stable, client-switchable code from §7's
// example list and the HTTP status that kind maps to.
var codes = map[Kind]struct {
	code   string
	status int
}{
	KindValidation:          {"VALIDATION_ERROR", http.StatusBadRequest},
	KindNotFound:            {"NOT_FOUND", http.StatusNotFound},
	KindPreconditionFailed:  {"PRECONDITION_FAILED", http.StatusPreconditionFailed},
	KindConflict:            {"CONFLICT", http.StatusConflict},
	KindRateLimited:         {"RATE_LIMITED", http.StatusTooManyRequests},
	KindForbidden:           {"FORBIDDEN", http.StatusForbidden},
	KindUnauthorised:        {"UNAUTHORISED", http.StatusUnauthorized},
	KindFilterParse:         {"FILTER_PARSE_ERROR", http.StatusBadRequest},
	KindCursorInvalid:       {"CURSOR_INVALID", http.StatusBadRequest},
	KindCursorExpired:       {"CURSOR_EXPIRED", http.StatusBadRequest},
	KindIdempotencyMismatch: {"IDEMPOTENCY_MISMATCH", http.StatusConflict},
	KindBatchLimitExceeded:  {"BATCH_LIMIT_EXCEEDED", http.StatusBadRequest},
	KindSearchUnavailable:   {"SEARCH_UNAVAILABLE", http.StatusServiceUnavailable},
	KindInternal:            {"INTERNAL_ERROR", http.StatusInternalServerError},
}

// FieldError is one entry of a validation problem document's `errors` array.
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Error is a structured application error that renders to a problem
// document. It satisfies the standard error interface so it can flow
// through %w wrapping like any other error.
type Error struct {
	Kind     Kind
	Detail   string
	Instance string
	Errors   []FieldError
	Debug    string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a structured error of kind with a human-readable detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds a structured error that carries cause for %w unwrapping,
// matching the teacher's fmt.Errorf("...: %w", err) convention.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// WithFieldErrors attaches per-field validation detail.
func (e *Error) WithFieldErrors(errs ...FieldError) *Error {
	e.Errors = errs
	return e
}

// WithInstance sets the problem document's `instance` (typically the
// request path).
func (e *Error) WithInstance(instance string) *Error {
	e.Instance = instance
	return e
}

// WithDebug attaches debug-only detail. Callers must gate inclusion in the
// rendered document on a debug-mode flag; apperr itself has no notion of
// environment.
func (e *Error) WithDebug(debug string) *Error {
	e.Debug = debug
	return e
}

// Code returns the stable, client-switchable code for kind.
func Code(kind Kind) string {
	return codes[kind].code
}

// Status returns the HTTP status kind maps to.
func Status(kind Kind) int {
	if c, ok := codes[kind]; ok {
		return c.status
	}
	return http.StatusInternalServerError
}

// Document is the wire shape of a problem document (§6).
type Document struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail"`
	Code     string       `json:"code"`
	Instance string       `json:"instance,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
	Debug    string       `json:"debug,omitempty"`
}

// ToDocument renders e as a problem document. includeDebug controls
// whether e.Debug is surfaced, matching §7's "opaque detail in production
// and full stack in debug" propagation policy.
func (e *Error) ToDocument(includeDebug bool) Document {
	c := codes[e.Kind]
	doc := Document{
		Type:     "https://resourcedb.dev/errors/" + string(e.Kind),
		Title:    string(e.Kind),
		Status:   c.status,
		Detail:   e.Detail,
		Code:     c.code,
		Instance: e.Instance,
		Errors:   e.Errors,
	}
	if includeDebug {
		doc.Debug = e.Debug
	}
	return doc
}

// WriteHTTP renders err as a problem document and writes it to w. Non-apperr
// errors are treated as internal per §7's propagation policy: they become a
// 5xx with opaque detail (the underlying message is only surfaced when
// includeDebug is true).
func WriteHTTP(w http.ResponseWriter, err error, includeDebug bool) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = &Error{Kind: KindInternal, Detail: "internal error", Debug: err.Error()}
	}
	doc := appErr.ToDocument(includeDebug)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(doc.Status)
	_ = json.NewEncoder(w).Encode(doc)
}
