package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/owldb-live/resourcedb/internal/batch"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/value"
)

// batchRequest is the JSON body accepted by PATCH/DELETE /{resource}/batch.
// partial only applies to the update operation.
type batchRequest struct {
	Partial map[string]any `json:"partial,omitempty"`
	Bypass  bool           `json:"bypass,omitempty"`
}

// handleBatch dispatches POST (bulk create, no confirmation needed since it
// can't touch existing rows), and PATCH/DELETE (§4.G's two-phase
// dry-run/apply handshake for filter-scoped update/delete). A request with
// `dryRun=true` returns a DryRunResult; a request carrying a Confirm-Token
// header re-verifies it before applying. `bypass` skips the handshake
// entirely but is always audit-logged.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, resource string) {
	if r.Method == http.MethodPost {
		s.handleBatchCreate(w, r, resource)
		return
	}

	op, ok := batchOperationFor(r.Method)
	if !ok {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filterExpr := r.URL.Query().Get("filter")
	pred, err := s.scopedPredicate(r, resource)
	if err != nil {
		writeError(w, s.Debug, err)
		return
	}

	var req batchRequest
	if r.Method == http.MethodPatch {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, s.Debug, validationErr("invalid JSON body"))
			return
		}
	}
	if r.URL.Query().Get("bypass") == "true" {
		req.Bypass = true
	}

	ctx := r.Context()
	if r.URL.Query().Get("dryRun") == "true" {
		s.handleBatchDryRun(w, r, resource, filterExpr, op, pred)
		return
	}

	if req.Bypass {
		s.auditBypass(ctx, resource, op, filterExpr, actorFromRequest(r))
		s.applyBatch(w, r, resource, pred, op, req)
		return
	}

	token := r.Header.Get("Confirm-Token")
	if token == "" {
		writeError(w, s.Debug, validationErr("batch mutation requires dryRun=true or a Confirm-Token header"))
		return
	}
	if _, err := s.Confirmer.Verify(token, op, filterExpr); err != nil {
		writeError(w, s.Debug, mapBatchErr(err))
		return
	}
	s.applyBatch(w, r, resource, pred, op, req)
}

func batchOperationFor(method string) (batch.Operation, bool) {
	switch method {
	case http.MethodPatch:
		return batch.OpUpdate, true
	case http.MethodDelete:
		return batch.OpDelete, true
	default:
		return "", false
	}
}

// handleBatchCreate implements POST /{resource}/batch: insert a JSON array
// of records in one transaction via internal/pipeline.BatchCreate.
func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request, resource string) {
	var fields []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, s.Debug, validationErr("invalid JSON body: expected an array of records"))
		return
	}
	recs := make([]value.Record, len(fields))
	for i, f := range fields {
		recs[i] = value.RecordFromJSON(f)
	}

	created, err := s.Pipeline.BatchCreate(r.Context(), resource, recs)
	if err != nil {
		writeError(w, s.Debug, mapMutationErr(err))
		return
	}

	out := make([]map[string]any, len(created))
	for i, rec := range created {
		out[i] = rec.ToJSON()
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleBatchDryRun(w http.ResponseWriter, r *http.Request, resource, filterExpr string, op batch.Operation, pred db.Predicate) {
	tx, err := s.DB.BeginTx(r.Context())
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	defer tx.Rollback(r.Context())

	result, err := s.Confirmer.DryRun(r.Context(), tx, resource, filterExpr, op, pred)
	if err != nil {
		writeError(w, s.Debug, mapBatchErr(err))
		return
	}

	items := make([]map[string]any, len(result.SampleItems))
	for i, it := range result.SampleItems {
		items[i] = it.ToJSON()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        result.Count,
		"sampleIds":    result.SampleIDs,
		"sampleItems":  items,
		"confirmToken": result.ConfirmToken,
		"expiresAt":    result.ExpiresAt,
	})
}

func (s *Server) applyBatch(w http.ResponseWriter, r *http.Request, resource string, pred db.Predicate, op batch.Operation, req batchRequest) {
	ctx := r.Context()
	switch op {
	case batch.OpUpdate:
		pairs, err := s.Pipeline.BatchUpdate(ctx, resource, pred, value.RecordFromJSON(req.Partial))
		if err != nil {
			writeError(w, s.Debug, apperr500(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": len(pairs)})
	case batch.OpDelete:
		deleted, err := s.Pipeline.BatchDelete(ctx, resource, pred)
		if err != nil {
			writeError(w, s.Debug, apperr500(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": len(deleted)})
	}
}

func (s *Server) auditBypass(ctx context.Context, resource string, op batch.Operation, filterExpr, actor string) {
	if s.BypassAuditor == nil {
		return
	}
	s.BypassAuditor.LogBypass(ctx, batch.BypassAudit{
		Resource: resource, Operation: op, FilterExpr: filterExpr, ActorID: actor, At: nowUTC(),
	})
}
