package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSONKeepsNumberPrecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETH", r.URL.Query().Get("coin"))
		_, _ = w.Write([]byte(`{"mids":{"ETH":2500.123456789012345}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{})
	doc, err := c.GetJSON(context.Background(), "/info", map[string]any{"coin": "ETH"})
	require.NoError(t, err)
	mids := doc.(map[string]any)["mids"].(map[string]any)
	assert.Equal(t, json.Number("2500.123456789012345"), mids["ETH"])
}

func TestNon2xxReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, Options{}).Do(context.Background(), http.MethodGet, "/x", nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "maintenance", se.Body)
}
