// Package httpapi is the observable HTTP surface from spec.md §6's
// endpoint table, adapted from OwlDB's handlers.DatabaseList/V1Handler
// dispatch-by-method shape. OwlDB routes by db/doc/collection path
// segments; this generalizes to single-resource routing, with the
// trailing path segment distinguishing `aggregate`/`subscribe`/`batch`
// from a plain record id, the same way OwlDB's handlers distinguish a
// document path from a collection path by segment count.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/owldb-live/resourcedb/internal/auth"
	"github.com/owldb-live/resourcedb/internal/batch"
	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/kv"
	"github.com/owldb-live/resourcedb/internal/pipeline"
	"github.com/owldb-live/resourcedb/internal/schema"
	"github.com/owldb-live/resourcedb/internal/stream"
)

// Server holds every collaborator a request handler needs. Built once at
// startup by cmd/resourcedbd and shared across all requests, mirroring
// OwlDB's DatabaseList holding its skiplist and subscriberHandler.
type Server struct {
	DB          db.DB
	Pipeline    *pipeline.Pipeline
	Cache       *filter.Cache
	Cursors     *cursor.Signer
	Confirmer   *batch.Confirmer
	Stream      *stream.Manager
	Auth        *auth.Manager
	Schemas     *schema.Registry
	Idempotency kv.Store

	// BypassAuditor receives a record every time a caller invokes the
	// bypass capability instead of the dry-run/apply handshake. Nil
	// disables audit logging.
	BypassAuditor batch.AuditLogger

	DefaultPageSize   int
	MaxPageSize       int
	MaxIncludeDepth   int
	HeartbeatInterval time.Duration
	Debug             bool
}

func (s *Server) defaultPageSize() int {
	if s.DefaultPageSize > 0 {
		return s.DefaultPageSize
	}
	return 50
}

func (s *Server) maxPageSize() int {
	if s.MaxPageSize > 0 {
		return s.MaxPageSize
	}
	return 500
}

func (s *Server) maxIncludeDepth() int {
	if s.MaxIncludeDepth > 0 {
		return s.MaxIncludeDepth
	}
	return 3
}

// ServeHTTP is the single entry point, mirroring OwlDB's
// DatabaseList.ServeHTTP delegating straight to its V1Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.route(w, r)
}

// route sets the shared CORS headers, logs the request, and dispatches on
// path shape and method, the same structure as OwlDB's V1Handler.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET, POST, PUT, PATCH, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, Idempotency-Key, Confirm-Token")
	slog.Info("request", "method", r.Method, "path", r.URL.Path)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	resource, tail, ok := splitResourcePath(r.URL.Path)
	if !ok {
		writeError(w, s.Debug, notFoundErr("resource path not found"))
		return
	}

	switch {
	case tail == "aggregate" && r.Method == http.MethodGet:
		s.handleAggregate(w, r, resource)
	case tail == "count" && r.Method == http.MethodGet:
		s.handleCount(w, r, resource)
	case tail == "subscribe" && r.Method == http.MethodGet:
		s.handleSubscribe(w, r, resource)
	case tail == "batch":
		s.handleBatch(w, r, resource)
	case tail == "" && r.Method == http.MethodGet:
		s.handleList(w, r, resource)
	case tail == "" && r.Method == http.MethodPost:
		s.handleCreate(w, r, resource)
	case tail != "" && r.Method == http.MethodGet:
		s.handleGetOne(w, r, resource, tail)
	case tail != "" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		s.handleUpdate(w, r, resource, tail, r.Method == http.MethodPut)
	case tail != "" && r.Method == http.MethodDelete:
		s.handleDelete(w, r, resource, tail)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// splitResourcePath splits "/widgets" -> ("widgets", ""), "/widgets/abc" ->
// ("widgets", "abc"). A path with more than two segments or a leading
// empty resource is rejected, matching OwlDB's "bad path: // not allowed"
// check.
func splitResourcePath(path string) (resource, tail string, ok bool) {
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) > 2 {
		return "", "", false
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func actorFromRequest(r *http.Request) (username string) {
	username, _ = auth.UsernameFromContext(r.Context())
	return username
}

func nowUTC() time.Time { return time.Now().UTC() }
