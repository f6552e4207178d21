package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWidget(t *testing.T, s *Server, value float64) string {
	t.Helper()
	req := httptest.NewRequest("POST", "/widgets", jsonBody(map[string]any{"value": value}))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, 201, w.Code)
	body := decodeJSONObject(t, w)
	return body["id"].(string)
}

func TestHandleListReturnsCreatedRecords(t *testing.T) {
	s := newTestServer(t)
	seedWidget(t, s, 10)
	seedWidget(t, s, 20)

	req := httptest.NewRequest("GET", "/widgets", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp listResponse
	decodeJSON(t, w, &resp)
	assert.Len(t, resp.Items, 2)
}

func TestHandleListAppliesFilter(t *testing.T) {
	s := newTestServer(t)
	seedWidget(t, s, 5)
	seedWidget(t, s, 50)

	req := httptest.NewRequest("GET", "/widgets?filter=value%3E10", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp listResponse
	decodeJSON(t, w, &resp)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 50.0, resp.Items[0]["value"])
}

func TestHandleListPaginatesWithCursor(t *testing.T) {
	s := newTestServer(t)
	seedWidget(t, s, 1)
	seedWidget(t, s, 2)
	seedWidget(t, s, 3)

	req := httptest.NewRequest("GET", "/widgets?orderBy=value&limit=2", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var page1 listResponse
	decodeJSON(t, w, &page1)
	require.Len(t, page1.Items, 2)
	require.NotEmpty(t, page1.NextCursor)

	req2 := httptest.NewRequest("GET", "/widgets?orderBy=value&limit=2&cursor="+page1.NextCursor, nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, 200, w2.Code)

	var page2 listResponse
	decodeJSON(t, w2, &page2)
	require.Len(t, page2.Items, 1)
	assert.Empty(t, page2.NextCursor)
}

func TestHandleListCursorAtNullFieldDoesNotDuplicateRows(t *testing.T) {
	s := newTestServer(t)

	createWidget := func(fields map[string]any) string {
		req := httptest.NewRequest("POST", "/widgets", jsonBody(fields))
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		require.Equal(t, 201, w.Code)
		body := decodeJSONObject(t, w)
		return body["id"].(string)
	}

	ranked := createWidget(map[string]any{"value": 1.0, "priority": 5.0})
	createWidget(map[string]any{"value": 2.0}) // priority omitted -> null
	createWidget(map[string]any{"value": 3.0}) // priority omitted -> null

	req := httptest.NewRequest("GET", "/widgets?orderBy=-priority&limit=2", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var page1 listResponse
	decodeJSON(t, w, &page1)
	require.Len(t, page1.Items, 2)
	require.NotEmpty(t, page1.NextCursor)

	seen := map[string]bool{}
	for _, item := range page1.Items {
		seen[item["id"].(string)] = true
	}
	assert.True(t, seen[ranked], "the non-null priority row should sort first and appear on page 1")

	req2 := httptest.NewRequest("GET", "/widgets?orderBy=-priority&limit=2&cursor="+page1.NextCursor, nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, 200, w2.Code)

	var page2 listResponse
	decodeJSON(t, w2, &page2)
	for _, item := range page2.Items {
		assert.False(t, seen[item["id"].(string)], "row %v was already delivered on page 1", item["id"])
	}
}

func TestHandleGetOneReturnsNotFoundForMissingID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/widgets/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestHandleCountRespectsFilter(t *testing.T) {
	s := newTestServer(t)
	seedWidget(t, s, 5)
	seedWidget(t, s, 50)

	req := httptest.NewRequest("GET", "/widgets/count?filter=value%3E10", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := decodeJSONObject(t, w)
	assert.Equal(t, 1.0, body["count"])
}

func TestHandleAggregateComputesSum(t *testing.T) {
	s := newTestServer(t)
	seedWidget(t, s, 10)
	seedWidget(t, s, 20)

	req := httptest.NewRequest("GET", "/widgets/aggregate?sum=value", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var rows []map[string]any
	decodeJSON(t, w, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, 30.0, rows[0]["sum"])
}
