package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/owldb-live/resourcedb/internal/apperr"
	"github.com/owldb-live/resourcedb/internal/value"
)

func decodeRecord(r *http.Request) (value.Record, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, validationErr("failed to read request body")
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, validationErr("invalid JSON body")
	}
	return value.RecordFromJSON(fields), nil
}

// handleCreate implements POST /{resource}. An Idempotency-Key header lets
// a retried create return the original result instead of double-inserting
// (SUPPLEMENTED FEATURES: Idempotency-Key header handling).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, resource string) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" && s.Idempotency != nil {
		if cached, ok, err := s.Idempotency.Get(r.Context(), idempotencyKey(resource, key)); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}

	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, s.Debug, err)
		return
	}

	created, err := s.Pipeline.Create(r.Context(), resource, rec)
	if err != nil {
		writeError(w, s.Debug, mapMutationErr(err))
		return
	}

	body, _ := json.Marshal(created.ToJSON())
	if key != "" && s.Idempotency != nil {
		_ = s.Idempotency.Set(r.Context(), idempotencyKey(resource, key), string(body))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// handleUpdate implements PUT (replace) and PATCH (merge) /{resource}/{id}.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, resource, id string, replace bool) {
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, s.Debug, err)
		return
	}

	var after value.Record
	var ok bool
	if replace {
		p, found, err := s.Pipeline.Replace(r.Context(), resource, id, rec)
		if err != nil {
			writeError(w, s.Debug, mapMutationErr(err))
			return
		}
		after, ok = p.After, found
	} else {
		p, found, err := s.Pipeline.Update(r.Context(), resource, id, rec)
		if err != nil {
			writeError(w, s.Debug, mapMutationErr(err))
			return
		}
		after, ok = p.After, found
	}
	if !ok {
		writeError(w, s.Debug, notFoundErr("no such "+resource+" record"))
		return
	}
	writeJSON(w, http.StatusOK, after.ToJSON())
}

// handleDelete implements DELETE /{resource}/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, resource, id string) {
	_, ok, err := s.Pipeline.Delete(r.Context(), resource, id)
	if err != nil {
		writeError(w, s.Debug, mapMutationErr(err))
		return
	}
	if !ok {
		writeError(w, s.Debug, notFoundErr("no such "+resource+" record"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func idempotencyKey(resource, key string) string {
	return "idempotency:" + resource + ":" + key
}

// mapMutationErr classifies an error returned from internal/pipeline. A
// schema validation failure (internal/schema's only error path, always
// prefixed "schema:") is a client error; anything else is treated as
// internal per §7's propagation policy.
func mapMutationErr(err error) error {
	if strings.Contains(err.Error(), "schema:") {
		return apperr.Wrap(apperr.KindValidation, "record does not match the configured schema", err)
	}
	return apperr500(err)
}
