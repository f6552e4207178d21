package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsErrorWithKindAndDetail(t *testing.T) {
	err := New(KindFilterParse, "unexpected token at byte 12")
	assert.Equal(t, KindFilterParse, err.Kind)
	assert.Equal(t, "unexpected token at byte 12", err.Detail)
	assert.Contains(t, err.Error(), "filter-parse")
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "write failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestCodeAndStatusAreStable(t *testing.T) {
	assert.Equal(t, "FILTER_PARSE_ERROR", Code(KindFilterParse))
	assert.Equal(t, "CURSOR_INVALID", Code(KindCursorInvalid))
	assert.Equal(t, "CURSOR_EXPIRED", Code(KindCursorExpired))
	assert.Equal(t, "PRECONDITION_FAILED", Code(KindPreconditionFailed))
	assert.Equal(t, "IDEMPOTENCY_MISMATCH", Code(KindIdempotencyMismatch))
	assert.Equal(t, "BATCH_LIMIT_EXCEEDED", Code(KindBatchLimitExceeded))

	assert.Equal(t, http.StatusBadRequest, Status(KindFilterParse))
	assert.Equal(t, http.StatusNotFound, Status(KindNotFound))
	assert.Equal(t, http.StatusConflict, Status(KindIdempotencyMismatch))
}

func TestToDocumentOmitsDebugUnlessRequested(t *testing.T) {
	err := New(KindInternal, "write failed").WithDebug("panic: nil pointer")

	prod := err.ToDocument(false)
	assert.Empty(t, prod.Debug)

	debug := err.ToDocument(true)
	assert.Equal(t, "panic: nil pointer", debug.Debug)
}

func TestToDocumentIncludesFieldErrorsAndInstance(t *testing.T) {
	err := New(KindValidation, "invalid record").
		WithFieldErrors(FieldError{Field: "value", Detail: "must be a number"}).
		WithInstance("/widgets")

	doc := err.ToDocument(false)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "value", doc.Errors[0].Field)
	assert.Equal(t, "/widgets", doc.Instance)
}

func TestWriteHTTPRendersProblemDocument(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteHTTP(rr, New(KindCursorExpired, "cursor expired"), false)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	var doc Document
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&doc))
	assert.Equal(t, "CURSOR_EXPIRED", doc.Code)
	assert.Equal(t, "cursor expired", doc.Detail)
}

func TestWriteHTTPTreatsUnrecognizedErrorsAsInternal(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteHTTP(rr, errors.New("unexpected failure"), false)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var doc Document
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&doc))
	assert.Equal(t, "INTERNAL_ERROR", doc.Code)
	assert.Empty(t, doc.Debug)
}

func TestWriteHTTPSurfacesDebugForUnrecognizedErrorsWhenRequested(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteHTTP(rr, errors.New("unexpected failure"), true)

	var doc Document
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&doc))
	assert.Equal(t, "unexpected failure", doc.Debug)
}
