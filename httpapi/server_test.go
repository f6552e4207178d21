package httpapi

import (
	"testing"
	"time"

	"github.com/owldb-live/resourcedb/internal/auth"
	"github.com/owldb-live/resourcedb/internal/batch"
	"github.com/owldb-live/resourcedb/internal/changelog"
	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db/memdb"
	"github.com/owldb-live/resourcedb/internal/events"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/kv/memkv"
	"github.com/owldb-live/resourcedb/internal/pipeline"
	"github.com/owldb-live/resourcedb/internal/registry"
	"github.com/owldb-live/resourcedb/internal/schema"
	"github.com/owldb-live/resourcedb/internal/stream"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	schemas := schema.NewRegistry()
	store := memdb.New(schemas)
	kvStore := memkv.New()
	cl := changelog.New(kvStore, 0, func() int64 { return time.Now().UnixMilli() })
	reg := registry.New(kvStore)
	cache := filter.NewCache(64, filter.DefaultLimits())
	router := &events.Router{Registry: reg, Cache: cache}
	p := pipeline.New(store, cl, router, pipeline.Hooks{})
	sm := stream.NewManager(reg, cl, router, store, cache)
	router.Local = sm

	return &Server{
		DB:          store,
		Pipeline:    p,
		Cache:       cache,
		Cursors:     &cursor.Signer{Secret: []byte("test-secret"), MaxAge: time.Hour},
		Confirmer:   &batch.Confirmer{Secret: []byte("test-secret"), TTL: time.Minute},
		Stream:      sm,
		Auth:        auth.NewManager(time.Hour),
		Schemas:     schemas,
		Idempotency: kvStore,
	}
}
