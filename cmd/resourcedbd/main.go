// Command resourcedbd runs the resourcedb HTTP server: a declarative
// resource framework exposing relational tables as filterable,
// paginated, live-query HTTP/SSE endpoints. Startup follows OwlDB's
// main.go shape (flag parsing, fail-fast validation, signal-driven
// graceful shutdown), extended with the substrate/secret/limit flags a
// deployable multi-resource server needs on top of OwlDB's single-db
// `-p`/`-s`/`-t` set.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/owldb-live/resourcedb/httpapi"
	"github.com/owldb-live/resourcedb/internal/auth"
	"github.com/owldb-live/resourcedb/internal/batch"
	"github.com/owldb-live/resourcedb/internal/changelog"
	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/db/memdb"
	"github.com/owldb-live/resourcedb/internal/db/pgdb"
	"github.com/owldb-live/resourcedb/internal/events"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/kv"
	"github.com/owldb-live/resourcedb/internal/kv/memkv"
	"github.com/owldb-live/resourcedb/internal/kv/rediskv"
	"github.com/owldb-live/resourcedb/internal/pipeline"
	"github.com/owldb-live/resourcedb/internal/registry"
	"github.com/owldb-live/resourcedb/internal/schema"
	"github.com/owldb-live/resourcedb/internal/stream"
)

func main() {
	portnum := flag.String("p", "3318", "Port to listen on")
	schemaManifest := flag.String("s", "", "JSON file mapping resource name to JSON Schema file path")
	tokenFlag := flag.String("t", "", "JSON file with mapping of usernames to tokens")
	scopesFlag := flag.String("scopes", "", "JSON file mapping usernames to a row-scoping filter expression")
	kvDSN := flag.String("kv-dsn", "", "Redis DSN for the KV/pub-sub substrate; empty uses the in-memory store")
	dbDSN := flag.String("db-dsn", "", "Postgres DSN for the relational substrate; empty uses the in-memory store")
	changelogRetention := flag.Int64("changelog-retention", 0, "Max changelog entries retained across all resources; 0 uses the default of 10000")
	cursorSecret := flag.String("cursor-secret", "", "Hex-encoded signing secret for pagination cursors; empty generates a random one for this run")
	confirmSecret := flag.String("confirm-secret", "", "Hex-encoded signing secret for batch confirm tokens; empty generates a random one for this run")
	cursorMaxAge := flag.Duration("cursor-max-age", time.Hour, "Maximum age of an accepted pagination cursor")
	confirmTTL := flag.Duration("confirm-ttl", 5*time.Minute, "Time a batch confirm token remains valid")
	maxAffected := flag.Int("max-affected-records", 10000, "Reject a batch dry run touching more rows than this")
	defaultPageSize := flag.Int("default-page-size", 50, "Default page size when a list request omits limit")
	maxPageSize := flag.Int("max-page-size", 500, "Largest page size a list request may ask for")
	maxIncludeDepth := flag.Int("max-include-depth", 3, "Deepest chain of include=a.b.c foreign-key eager-loads allowed")
	heartbeatInterval := flag.Duration("heartbeat-interval", 20*time.Second, "SSE keep-alive comment interval")
	maxPerUser := flag.Int("max-subscriptions-per-user", 0, "Concurrent SSE subscription cap per user; 0 disables")
	maxPerIP := flag.Int("max-subscriptions-per-ip", 0, "Concurrent SSE subscription cap per IP; 0 disables")
	maxQueueBytes := flag.Int("max-queue-bytes", 0, "Detach a subscriber and emit invalidate once its writer reports more than this many queued bytes; 0 disables (the HTTP SSE writer keeps no queue and always reports 0)")
	debug := flag.Bool("debug", false, "Include internal error detail in problem-document responses")
	flag.Parse()

	if *tokenFlag == "" {
		log.Fatal("Error: Must specify the JSON file with mapping of user names to tokens using the -t flag\n")
	}

	cursorKey, err := secretBytes(*cursorSecret, "cursor-secret")
	if err != nil {
		log.Fatal(err)
	}
	confirmKey, err := secretBytes(*confirmSecret, "confirm-secret")
	if err != nil {
		log.Fatal(err)
	}

	schemas := schema.NewRegistry()
	if *schemaManifest != "" {
		if err := loadSchemas(schemas, *schemaManifest); err != nil {
			log.Fatal(err)
		}
	}

	authManager := auth.NewManager(time.Hour)
	if err := authManager.LoadUsers(*tokenFlag); err != nil {
		log.Fatal(err)
	}
	if *scopesFlag != "" {
		if err := authManager.LoadScopeFilters(*scopesFlag); err != nil {
			log.Fatal(err)
		}
	}

	kvStore, err := openKV(*kvDSN)
	if err != nil {
		log.Fatal(err)
	}
	database, err := openDB(*dbDSN, schemas)
	if err != nil {
		log.Fatal(err)
	}

	cl := changelog.New(kvStore, *changelogRetention, func() int64 { return time.Now().UnixMilli() })
	reg := registry.New(kvStore)
	cache := filter.NewCache(256, filter.DefaultLimits())
	router := &events.Router{Registry: reg, Cache: cache, Publisher: kvStore}
	streamManager := stream.NewManager(reg, cl, router, database, cache)
	streamManager.HeartbeatInterval = *heartbeatInterval
	streamManager.MaxPerUser = *maxPerUser
	streamManager.MaxPerIP = *maxPerIP
	streamManager.MaxQueueBytes = *maxQueueBytes
	router.Local = streamManager

	p := pipeline.New(database, cl, router, pipeline.Hooks{})

	server := &httpapi.Server{
		DB:                database,
		Pipeline:          p,
		Cache:             cache,
		Cursors:           &cursor.Signer{Secret: cursorKey, Version: 1, MaxAge: *cursorMaxAge},
		Confirmer:         &batch.Confirmer{Secret: confirmKey, TTL: *confirmTTL, MaxAffectedRecords: *maxAffected},
		Stream:            streamManager,
		Auth:              authManager,
		Schemas:           schemas,
		Idempotency:       kvStore,
		BypassAuditor:     slogAuditLogger{},
		DefaultPageSize:   *defaultPageSize,
		MaxPageSize:       *maxPageSize,
		MaxIncludeDepth:   *maxIncludeDepth,
		HeartbeatInterval: *heartbeatInterval,
		Debug:             *debug,
	}

	mux := http.NewServeMux()
	mux.Handle("/auth", auth.NewHandler(authManager))
	mux.Handle("/", authManager.Middleware(server))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", *portnum),
		Handler: mux,
	}

	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctrlc
		httpServer.Close()
	}()

	slog.Info("listening", "port", *portnum)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		slog.Error("server closed", "error", err)
	} else {
		slog.Info("server closed")
	}
}

// loadSchemas reads a JSON manifest (resource name -> schema file path)
// and compiles each one into schemas, mirroring how OwlDB's main
// validates the -s flag before the server is allowed to start.
func loadSchemas(schemas *schema.Registry, manifestPath string) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("resourcedbd: read schema manifest: %w", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("resourcedbd: parse schema manifest: %w", err)
	}
	for resource, path := range manifest {
		schemaJSON, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("resourcedbd: read schema for %s: %w", resource, err)
		}
		compiled, err := schema.Compile(resource, schemaJSON)
		if err != nil {
			return fmt.Errorf("resourcedbd: compile schema for %s: %w", resource, err)
		}
		schemas.Set(resource, compiled)
	}
	return nil
}

// slogAuditLogger records every bypassed batch confirmation to the
// process log, since skipping the dry-run/apply handshake is the one
// batch path spec.md requires to always leave a trail.
type slogAuditLogger struct{}

func (slogAuditLogger) LogBypass(_ context.Context, rec batch.BypassAudit) {
	slog.Warn("batch confirmation bypassed",
		"resource", rec.Resource, "operation", rec.Operation,
		"filter", rec.FilterExpr, "actor", rec.ActorID, "at", rec.At)
}

// secretBytes decodes a hex-encoded flag value, or generates a random
// 256-bit secret and warns that it won't survive a restart, matching
// OwlDB's pattern of an optional flag with a generated fallback.
func secretBytes(hexValue, flagName string) ([]byte, error) {
	if hexValue != "" {
		key, err := hex.DecodeString(hexValue)
		if err != nil {
			return nil, fmt.Errorf("resourcedbd: -%s must be hex-encoded: %w", flagName, err)
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("resourcedbd: generate %s: %w", flagName, err)
	}
	slog.Warn("generated ephemeral secret, cursors and confirm tokens will not survive a restart", "flag", flagName)
	return key, nil
}

func openKV(dsn string) (kv.Store, error) {
	if dsn == "" {
		return memkv.New(), nil
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("resourcedbd: parse kv-dsn: %w", err)
	}
	return rediskv.New(redis.NewClient(opts)), nil
}

func openDB(dsn string, schemas *schema.Registry) (db.DB, error) {
	if dsn == "" {
		return memdb.New(schemas), nil
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("resourcedbd: open db-dsn: %w", err)
	}
	if err := conn.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("resourcedbd: ping database: %w", err)
	}
	return pgdb.New(conn), nil
}
