package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonBody(fields map[string]any) *bytes.Reader {
	b, _ := json.Marshal(fields)
	return bytes.NewReader(b)
}

func jsonBodyArray(fields []map[string]any) *bytes.Reader {
	b, _ := json.Marshal(fields)
	return bytes.NewReader(b)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func decodeJSONObject(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	decodeJSON(t, w, &m)
	return m
}
