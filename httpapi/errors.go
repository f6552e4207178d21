package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/owldb-live/resourcedb/internal/apperr"
	"github.com/owldb-live/resourcedb/internal/batch"
	"github.com/owldb-live/resourcedb/internal/cursor"
)

func notFoundErr(detail string) error {
	return apperr.New(apperr.KindNotFound, detail)
}

func validationErr(detail string) error {
	return apperr.New(apperr.KindValidation, detail)
}

// mapCursorErr turns internal/cursor's distinct rejection errors into the
// matching apperr kind, preserving §4.C's per-reason distinguishability.
func mapCursorErr(err error) error {
	switch {
	case errors.Is(err, cursor.ErrOrderByMismatch):
		return apperr.New(apperr.KindCursorInvalid, "cursor orderBy does not match the current request")
	case errors.Is(err, cursor.ErrVersionMismatch), errors.Is(err, cursor.ErrMalformed):
		return apperr.New(apperr.KindCursorInvalid, "cursor is malformed or from an incompatible version")
	case errors.Is(err, cursor.ErrTampered):
		return apperr.New(apperr.KindCursorInvalid, "cursor signature is invalid")
	case errors.Is(err, cursor.ErrExpired):
		return apperr.New(apperr.KindCursorExpired, "cursor has expired")
	default:
		return apperr.Wrap(apperr.KindCursorInvalid, "invalid cursor", err)
	}
}

// mapBatchErr turns internal/batch's confirm-token errors into the
// matching apperr kind.
func mapBatchErr(err error) error {
	switch {
	case errors.Is(err, batch.ErrExpired):
		return apperr.New(apperr.KindCursorExpired, "confirm token has expired")
	case errors.Is(err, batch.ErrLimitExceeded):
		return apperr.New(apperr.KindBatchLimitExceeded, "affected set exceeds the configured limit")
	case errors.Is(err, batch.ErrInvalidSignature), errors.Is(err, batch.ErrMalformed),
		errors.Is(err, batch.ErrOperationMismatch), errors.Is(err, batch.ErrFilterMismatch):
		return apperr.New(apperr.KindCursorInvalid, err.Error())
	default:
		return apperr.Wrap(apperr.KindInternal, "batch confirm failed", err)
	}
}

func mapFilterParseErr(err error) error {
	return apperr.Wrap(apperr.KindFilterParse, err.Error(), err)
}

func writeError(w http.ResponseWriter, debug bool, err error) {
	apperr.WriteHTTP(w, err, debug)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
