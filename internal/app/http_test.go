package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin/api/internal/highlight"
)

func doRequest(t *testing.T, handler http.Handler, method, target, sessionID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

func textUpdateBody(t *testing.T, content string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": "text_update", "content": content})
	require.NoError(t, err)
	return string(data)
}

func TestHighlightsRequireSession(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, payload := doRequest(t, handler, http.MethodGet, "/highlights/next", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "SESSION_REQUIRED", payload["code"])
}

func TestHighlightsFlowOverREST(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, payload := doRequest(t, handler, http.MethodPost, "/messages", "s1", textUpdateBody(t, sampleDoc))
	require.Equal(t, http.StatusOK, rr.Code)
	messages := payload["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "ai_suggestion", messages[0].(map[string]any)["type"])

	rr, payload = doRequest(t, handler, http.MethodGet, "/highlights/next", "s1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "highlight", payload["status"])
	next := payload["highlight"].(map[string]any)
	id := next["id"].(string)
	assert.Equal(t, "coherence", next["kind"])

	rr, payload = doRequest(t, handler, http.MethodPost, "/highlights/select", "s1", `{"id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, payload["focused"])
	assert.Nil(t, payload["warning"])

	rr, payload = doRequest(t, handler, http.MethodGet, "/highlights/"+id, "s1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "important", payload["originalText"])

	rr, payload = doRequest(t, handler, http.MethodPost, "/highlights/explained", "s1", `{"id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 50, payload["progress"].(map[string]any)["percentComplete"])

	rr, payload = doRequest(t, handler, http.MethodGet, "/highlights/progress?session=s1", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, payload["total"])
	assert.EqualValues(t, 1, payload["explained"])
	assert.Equal(t, "navigating", payload["state"])

	rr, payload = doRequest(t, handler, http.MethodGet, "/highlights", "s1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["highlights"].([]any), 2)

	rr, payload = doRequest(t, handler, http.MethodDelete, "/session", "s1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["removed"])

	rr, payload = doRequest(t, handler, http.MethodGet, "/highlights", "s1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", payload["code"])
}

func TestHighlightErrors(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	handler := NewHTTPServer(svc, "*", nil).Handler()
	_, err := svc.ApplyHighlights("s1", nil)
	require.NoError(t, err)

	rr, payload := doRequest(t, handler, http.MethodGet, "/highlights/hl_missing", "s1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, payload = doRequest(t, handler, http.MethodPost, "/highlights/select", "s1", `{"id":"hl_missing"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, payload = doRequest(t, handler, http.MethodPost, "/highlights/select", "s1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ID_REQUIRED", payload["code"])

	rr, payload = doRequest(t, handler, http.MethodPost, "/highlights/explained", "s1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", payload["code"])

	rr, payload = doRequest(t, handler, http.MethodPost, "/messages", "s1", `{"type":"shout"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "MALFORMED_MESSAGE", payload["code"])

	rr, _ = doRequest(t, handler, http.MethodPut, "/highlights/next", "s1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSelectReportsFocusFailure(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	handler := NewHTTPServer(svc, "*", nil).Handler()

	result, err := svc.ApplyText(context.Background(), "s1", sampleDoc)
	require.NoError(t, err)
	require.NoError(t, svc.Attach("s1", highlight.FocusFunc(func(context.Context, highlight.Highlight) error {
		return errors.New("no editor")
	})))

	rr, payload := doRequest(t, handler, http.MethodPost, "/highlights/select", "s1", `{"id":"`+result.Highlights[0].ID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, payload["focused"])
	assert.Contains(t, payload["warning"], "no editor")
}

func TestNextReportsEmptyAndCompleted(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	handler := NewHTTPServer(svc, "*", nil).Handler()
	_, err := svc.ApplyHighlights("s1", nil)
	require.NoError(t, err)

	_, payload := doRequest(t, handler, http.MethodGet, "/highlights/next", "s1", "")
	assert.Equal(t, "empty", payload["status"])
	assert.Nil(t, payload["highlight"])

	result, err := svc.ApplyText(context.Background(), "s1", sampleDoc)
	require.NoError(t, err)
	for _, h := range result.Highlights {
		_, err := svc.MarkExplained("s1", h.ID)
		require.NoError(t, err)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/highlights/next", "s1", "")
	assert.Equal(t, "completed", payload["status"])
	assert.EqualValues(t, 100, payload["progress"].(map[string]any)["percentComplete"])
}

func TestUnknownSessionReadsAreNotFound(t *testing.T) {
	svc, registry := newTestService(sampleEngine())
	handler := NewHTTPServer(svc, "*", nil).Handler()

	for _, target := range []string{"/highlights", "/highlights/next", "/highlights/progress", "/highlights/hl_1"} {
		rr, payload := doRequest(t, handler, http.MethodGet, target, "nobody", "")
		assert.Equal(t, http.StatusNotFound, rr.Code, target)
		assert.Equal(t, "SESSION_NOT_FOUND", payload["code"], target)
	}
	rr, payload := doRequest(t, handler, http.MethodPost, "/highlights/select", "nobody", `{"id":"hl_1"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", payload["code"])

	assert.Equal(t, 0, registry.Len())
}
