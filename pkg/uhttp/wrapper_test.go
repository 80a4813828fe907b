package uhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoDecodesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "value", body["key"])

		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := NewBaseHttpClient(srv.Client())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	req, err := c.NewRequest(context.Background(), http.MethodPost, u,
		WithJSONBody(map[string]string{"key": "value"}),
		WithAcceptJSONHeader(),
	)
	require.NoError(t, err)

	var out map[string]string
	_, err = c.Do(req, WithJSONResponse(&out))
	require.NoError(t, err)
	require.Equal(t, "yes", out["ok"])
}

func TestDoReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewBaseHttpClient(srv.Client())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	req, err := c.NewRequest(context.Background(), http.MethodGet, u)
	require.NoError(t, err)

	_, err = c.Do(req)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Code)
}

func TestWithJSONResponseSkipsErrorBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := NewBaseHttpClient(srv.Client())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	req, err := c.NewRequest(context.Background(), http.MethodGet, u)
	require.NoError(t, err)

	var out map[string]string
	_, err = c.Do(req, WithJSONResponse(&out))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Empty(t, out)
}
