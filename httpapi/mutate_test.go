package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCreateReturns201WithID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/widgets", jsonBody(map[string]any{"value": 42.0}))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, 201, w.Code)
	body := decodeJSONObject(t, w)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, 42.0, body["value"])
}

func TestHandleCreateReplaysIdempotentRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/widgets", jsonBody(map[string]any{"value": 1.0}))
	req.Header.Set("Idempotency-Key", "abc-123")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, 201, w.Code)
	first := decodeJSONObject(t, w)

	req2 := httptest.NewRequest("POST", "/widgets", jsonBody(map[string]any{"value": 999.0}))
	req2.Header.Set("Idempotency-Key", "abc-123")
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, 200, w2.Code)
	replayed := decodeJSONObject(t, w2)
	assert.Equal(t, first["id"], replayed["id"])
	assert.Equal(t, 1.0, replayed["value"])
}

func TestHandleUpdateReplacesRecord(t *testing.T) {
	s := newTestServer(t)
	id := seedWidget(t, s, 1)

	req := httptest.NewRequest("PUT", "/widgets/"+id, jsonBody(map[string]any{"value": 2.0}))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := decodeJSONObject(t, w)
	assert.Equal(t, 2.0, body["value"])
}

func TestHandleUpdateReturnsNotFoundForMissingRecord(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("PUT", "/widgets/missing", jsonBody(map[string]any{"value": 2.0}))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestHandleDeleteRemovesRecord(t *testing.T) {
	s := newTestServer(t)
	id := seedWidget(t, s, 1)

	req := httptest.NewRequest("DELETE", "/widgets/"+id, nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, 204, w.Code)

	req2 := httptest.NewRequest("GET", "/widgets/"+id, nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	assert.Equal(t, 404, w2.Code)
}
