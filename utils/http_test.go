package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOKAndCreated(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteOK(w, map[string]string{"result": "success"}))
	assert.Equal(t, http.StatusOK, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "success", response.Data.(map[string]interface{})["result"])

	w = httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]int{"chunks_created": 4}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"chunks_created":4`)
}

func TestWriteHelpersDefaultMessages(t *testing.T) {
	tests := []struct {
		name    string
		write   func(w http.ResponseWriter) error
		status  int
		error   string
		message string
	}{
		{"unauthorized", func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") }, http.StatusUnauthorized, "unauthorized", "Authentication required"},
		{"forbidden", func(w http.ResponseWriter) error { return WriteForbidden(w, "") }, http.StatusForbidden, "forbidden", "Access forbidden"},
		{"not found", func(w http.ResponseWriter) error { return WriteNotFound(w, "") }, http.StatusNotFound, "not_found", "Resource not found"},
		{"rate limited", func(w http.ResponseWriter) error { return WriteTooManyRequests(w, "", nil) }, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded"},
		{"internal", func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") }, http.StatusInternalServerError, "internal_error", "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))
			assert.Equal(t, tt.status, w.Code)

			resp := decodeError(t, w)
			assert.Equal(t, tt.error, resp.Error)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestWriteBadRequest_Details(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteBadRequest(w, "Validation failed", map[string]interface{}{"question": "question is required"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "bad_request", resp.Error)
	assert.Equal(t, "question is required", resp.Details["question"])
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		status int
		error  string
	}{
		{http.StatusBadRequest, "bad_request"},
		{http.StatusConflict, "conflict"},
		{http.StatusRequestEntityTooLarge, "payload_too_large"},
		{http.StatusUnprocessableEntity, "unprocessable_entity"},
		{http.StatusServiceUnavailable, "service_unavailable"},
		{http.StatusTeapot, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.error, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, WriteError(w, tt.status, "msg", map[string]interface{}{"code": "X"}))

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.error, resp.Error)
			assert.Equal(t, "msg", resp.Message)
			assert.Equal(t, "X", resp.Details["code"])
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Question string `json:"question"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"question":"How do I report a fall?"}`))
	require.NoError(t, DecodeJSON(r, &dst))
	assert.Equal(t, "How do I report a fall?", dst.Question)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"question":"x","extra":1}`))
	assert.Error(t, DecodeJSON(r, &dst))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.Error(t, DecodeJSON(r, &dst))
}
