package httpapi

import (
	"net/http"
	"strconv"

	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/value"
)

// listResponse is the wire shape of a GET /{resource} page.
type listResponse struct {
	Items      []map[string]any `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
	TotalCount *int64            `json:"totalCount,omitempty"`
}

func (s *Server) scopedPredicate(r *http.Request, resource string) (db.Predicate, error) {
	expr := r.URL.Query().Get("filter")
	node, err := s.Cache.Get(resource, expr, nil)
	if err != nil {
		return db.Predicate{}, mapFilterParseErr(err)
	}
	if scope := s.Auth.ScopeFilter(actorFromRequest(r)); scope != "" {
		scopeNode, err := s.Cache.Get(resource, scope, nil)
		if err != nil {
			return db.Predicate{}, mapFilterParseErr(err)
		}
		node = filterAnd(node, scopeNode)
	}
	return db.Predicate{Node: node}, nil
}

func orderByFromQuery(r *http.Request) []cursor.OrderSpec {
	specs := cursor.SortOrderSpecs(splitCSV(r.URL.Query().Get("orderBy")))
	if len(specs) == 0 {
		specs = []cursor.OrderSpec{{Field: "id"}}
	}
	for _, o := range specs {
		if o.Field == "id" {
			return specs
		}
	}
	return append(specs, cursor.OrderSpec{Field: "id"})
}

func pageLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// handleList implements GET /{resource}: list query w ith filter, cursor,
// limit, orderBy, totalCount, include, select (spec.md §6's endpoint
// table). Pagination is applied in this layer rather than pushed into
// internal/db, since internal/db.Tx.Select takes only a predicate plus
// orderBy/limit and has no notion of a keyset cursor — the full filtered,
// sorted set is fetched once per page and sliced past the cursor position
// here.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, resource string) {
	ctx := r.Context()
	pred, err := s.scopedPredicate(r, resource)
	if err != nil {
		writeError(w, s.Debug, err)
		return
	}
	orderBy := orderByFromQuery(r)
	limit := pageLimit(r, s.defaultPageSize(), s.maxPageSize())

	var after *cursor.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		after, err = s.Cursors.Decode(raw, orderBy, nowUTC())
		if err != nil {
			writeError(w, s.Debug, mapCursorErr(err))
			return
		}
	}

	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Select(ctx, resource, pred, orderBy, 0)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	if after != nil {
		rows = skipPastCursor(rows, orderBy, after)
	}

	resp := listResponse{}
	if r.URL.Query().Get("totalCount") == "true" {
		total, err := tx.Count(ctx, resource, pred)
		if err != nil {
			writeError(w, s.Debug, apperr500(err))
			return
		}
		resp.TotalCount = &total
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	includes := splitCSV(r.URL.Query().Get("include"))
	selectFields := splitCSV(r.URL.Query().Get("select"))
	resp.Items = make([]map[string]any, len(rows))
	for i, row := range rows {
		projected := applyInclude(ctx, tx, row, includes, s.maxIncludeDepth())
		resp.Items[i] = applySelect(projected, selectFields)
	}

	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		nc, err := s.Cursors.Encode(orderBy, cursor.SortRecord(orderBy, last), last["id"].AsString(), nowUTC())
		if err != nil {
			writeError(w, s.Debug, apperr500(err))
			return
		}
		resp.NextCursor = nc
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetOne implements GET /{resource}/{id}.
func (s *Server) handleGetOne(w http.ResponseWriter, r *http.Request, resource, id string) {
	ctx := r.Context()
	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	defer tx.Rollback(ctx)

	row, found, err := tx.SelectByID(ctx, resource, id)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	if !found {
		writeError(w, s.Debug, notFoundErr("no such "+resource+" record"))
		return
	}

	includes := splitCSV(r.URL.Query().Get("include"))
	selectFields := splitCSV(r.URL.Query().Get("select"))
	projected := applyInclude(ctx, tx, row, includes, s.maxIncludeDepth())
	writeJSON(w, http.StatusOK, applySelect(projected, selectFields))
}

// handleCount implements GET /{resource}/count: the row count for a
// filter, without paying for the full list response.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request, resource string) {
	ctx := r.Context()
	pred, err := s.scopedPredicate(r, resource)
	if err != nil {
		writeError(w, s.Debug, err)
		return
	}

	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	defer tx.Rollback(ctx)

	total, err := tx.Count(ctx, resource, pred)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": total})
}

// handleAggregate implements GET /{resource}/aggregate: groupBy plus one or
// more sum/avg/min/max/count specs over a named field (SUPPLEMENTED
// FEATURES: aggregate endpoint).
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request, resource string) {
	ctx := r.Context()
	pred, err := s.scopedPredicate(r, resource)
	if err != nil {
		writeError(w, s.Debug, err)
		return
	}
	groupBy := splitCSV(r.URL.Query().Get("groupBy"))
	aggs := aggregateSpecsFromQuery(r)

	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Aggregate(ctx, resource, groupBy, aggs, pred)
	if err != nil {
		writeError(w, s.Debug, apperr500(err))
		return
	}

	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = row.ToJSON()
	}
	writeJSON(w, http.StatusOK, out)
}

func aggregateSpecsFromQuery(r *http.Request) []db.AggSpec {
	var specs []db.AggSpec
	for _, fn := range []db.AggFunc{db.AggSum, db.AggAvg, db.AggMin, db.AggMax, db.AggCount} {
		field := r.URL.Query().Get(string(fn))
		if field == "" {
			continue
		}
		specs = append(specs, db.AggSpec{Func: fn, Field: field, As: string(fn)})
	}
	return specs
}

// skipPastCursor drops every row up to and including the cursor position,
// replicating db/memdb's nulls-last tuple comparator (compareValues) at
// the edge layer since internal/db has no keyset-cursor notion of its own.
func skipPastCursor(rows []value.Record, orderBy []cursor.OrderSpec, c *cursor.Cursor) []value.Record {
	for i, row := range rows {
		if isAfterCursor(row, orderBy, c) {
			return rows[i:]
		}
	}
	return nil
}

func isAfterCursor(row value.Record, orderBy []cursor.OrderSpec, c *cursor.Cursor) bool {
	for _, o := range orderBy {
		if o.Field == "id" {
			continue
		}
		cursorVal := c.SortKey[o.Field]
		if cursorVal.IsNull() {
			// nulls-last places a NULL cursor position at the very end of
			// this field's order for either direction (cursor.gtClause's
			// "1=0" branch): no row can come after it via this field, only
			// ties with other NULLs continue to the next field/tie-breaker.
			if row[o.Field].IsNull() {
				continue
			}
			return false
		}
		cur := compareValue(row[o.Field], cursorVal)
		if cur == 0 {
			continue
		}
		if o.Desc {
			return cur < 0
		}
		return cur > 0
	}
	return row["id"].AsString() > c.TieBreakerID
}

func compareValue(a, b value.Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return 1
	}
	if b.IsNull() {
		return -1
	}
	if an, aok := a.AsNumber(); aok {
		if bn, bok := b.AsNumber(); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.AsTime(); aok {
		if bt, bok := b.AsTime(); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := a.AsString(), b.AsString()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
