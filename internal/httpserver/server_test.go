package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/apperr"
	"carrental/internal/logger"
)

func TestHealthAndPing(t *testing.T) {
	r := NewRouter("inventory", logger.Discard())

	for path, key := range map[string]string{"/health": "status", "/ping": "message"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.NotEmpty(t, body[key])
		assert.Equal(t, "inventory", body["service"])
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"make":"VW","colour":"red"}`))
	var v struct {
		Make string `json:"make"`
	}
	err := DecodeJSON(req, &v)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
