package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteErrors(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w http.ResponseWriter)
		wantCode int
		wantBody ErrorResponse
	}{
		{
			name:     "error",
			write:    func(w http.ResponseWriter) { WriteError(w, http.StatusBadGateway, errors.New("gateway down")) },
			wantCode: http.StatusBadGateway,
			wantBody: ErrorResponse{Error: "gateway down"},
		},
		{
			name:     "coded",
			write:    func(w http.ResponseWriter) { WriteCodedError(w, http.StatusConflict, "invalid_state", "invoice is paid") },
			wantCode: http.StatusConflict,
			wantBody: ErrorResponse{Error: "invoice is paid", Code: "invalid_state"},
		},
		{
			name:     "validation",
			write:    func(w http.ResponseWriter) { WriteValidationError(w, "delta is required") },
			wantCode: http.StatusBadRequest,
			wantBody: ErrorResponse{Error: "delta is required", Code: "invalid_argument"},
		},
		{
			name:     "not found",
			write:    func(w http.ResponseWriter) { WriteNotFoundError(w, "invoice not found") },
			wantCode: http.StatusNotFound,
			wantBody: ErrorResponse{Error: "invoice not found", Code: "not_found"},
		},
		{
			name:     "internal",
			write:    func(w http.ResponseWriter) { WriteInternalError(w, errors.New("boom")) },
			wantCode: http.StatusInternalServerError,
			wantBody: ErrorResponse{Error: "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.wantCode, w.Code)
			var got ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.wantBody, got)
		})
	}
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"id": "pm_1"}))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestWriteList(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteList[string](w, nil))
	assert.JSONEq(t, `{"items": [], "count": 0}`, w.Body.String())

	w = httptest.NewRecorder()
	require.NoError(t, WriteList(w, []int{1, 2}))
	assert.JSONEq(t, `{"items": [1, 2], "count": 2}`, w.Body.String())
}
