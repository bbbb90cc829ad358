package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	a := NewTerminalAuth(map[string]string{"tok-a": "inst-1", " ": "ignored"})

	id, err := a.Resolve("tok-a")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)

	_, err = a.Resolve("tok-b")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = a.Resolve("")
	assert.ErrorIs(t, err, ErrUnauthorized)

	a.Register("tok-b", "inst-2")
	id, err = a.Resolve("tok-b")
	require.NoError(t, err)
	assert.Equal(t, "inst-2", id)

	a.Revoke("tok-a")
	_, err = a.Resolve("tok-a")
	assert.ErrorIs(t, err, ErrUnauthorized)

	var nilAuth *TerminalAuth
	_, err = nilAuth.Resolve("tok-b")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	a := NewTerminalAuth(map[string]string{"tok-a": "inst-1"})
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := InstanceFromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(id))
	}))

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		body   string
	}{
		{"bearer header", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/ingest", nil)
			r.Header.Set("Authorization", "Bearer tok-a")
			return r
		}, http.StatusOK, "inst-1"},
		{"query token", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/ws?token=tok-a", nil)
		}, http.StatusOK, "inst-1"},
		{"missing token", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/ingest", nil)
		}, http.StatusUnauthorized, ""},
		{"wrong scheme", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/ingest", nil)
			r.Header.Set("Authorization", "Basic tok-a")
			return r
		}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
