package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owldb-live/resourcedb/internal/db/memdb"
	"github.com/owldb-live/resourcedb/internal/kv/memkv"
	"github.com/owldb-live/resourcedb/internal/schema"
	"github.com/owldb-live/resourcedb/internal/value"
)

func writeFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

func TestLoadSchemasCompilesEachManifestEntry(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "widget.json", []byte(`{"type":"object","required":["name"]}`))
	manifest, _ := json.Marshal(map[string]string{"widgets": schemaPath})
	manifestPath := writeFile(t, dir, "manifest.json", manifest)

	reg := schema.NewRegistry()
	require.NoError(t, loadSchemas(reg, manifestPath))

	err := reg.Validate("widgets", recWithoutName())
	assert.Error(t, err)
}

func recWithoutName() value.Record {
	return value.RecordFromJSON(map[string]any{"id": "x"})
}

func TestLoadSchemasRejectsMissingManifest(t *testing.T) {
	reg := schema.NewRegistry()
	err := loadSchemas(reg, "/nonexistent/manifest.json")
	assert.Error(t, err)
}

func TestOpenKVDefaultsToInMemoryStore(t *testing.T) {
	store, err := openKV("")
	require.NoError(t, err)
	_, ok := store.(*memkv.Store)
	assert.True(t, ok)
}

func TestOpenDBDefaultsToInMemoryStore(t *testing.T) {
	store, err := openDB("", schema.NewRegistry())
	require.NoError(t, err)
	_, ok := store.(*memdb.Store)
	assert.True(t, ok)
}
