package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu        sync.Mutex
	status    []syncer.Status
	triggered []string
}

func (f *fakeSyncer) Status() []syncer.Status {
	return f.status
}

func (f *fakeSyncer) Trigger(name string) error {
	if name != "alice" {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, name)
	return nil
}

func newTestServer(t *testing.T, opts ServerOptions) (*fakeSyncer, http.Handler) {
	t.Helper()
	fs := &fakeSyncer{status: []syncer.Status{
		{Account: "alice", Passes: 2, NewMessages: 5},
		{Account: "alice", SubAccount: "work", LastError: "alice/work: Authentication failed"},
	}}
	srv, err := New(fs, opts)
	require.NoError(t, err)
	return fs, srv.Handler()
}

func do(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresSyncer(t *testing.T) {
	_, err := New(nil, ServerOptions{})
	assert.Error(t, err)
}

func TestListAccounts(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})
	rec := do(h, "GET", "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Accounts []syncer.Status `json:"accounts"`
		Total    int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 5, body.Accounts[0].NewMessages)
	assert.Equal(t, "work", body.Accounts[1].SubAccount)
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})
	rec := do(h, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["failing"])
}

func TestMetrics(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})
	rec := do(h, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestTriggerSync(t *testing.T) {
	fs, h := newTestServer(t, ServerOptions{APIKey: "secret"})

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"no header", "/api/v1/accounts/alice/sync", nil, http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/accounts/alice/sync", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"wrong key", "/api/v1/accounts/alice/sync", map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden},
		{"unknown account", "/api/v1/accounts/bob/sync", map[string]string{"Authorization": "Bearer secret"}, http.StatusNotFound},
		{"ok", "/api/v1/accounts/alice/sync", map[string]string{"Authorization": "Bearer secret"}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, "POST", tt.path, tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, []string{"alice"}, fs.triggered)
}

func TestTriggerWithoutAPIKeyIsDisabled(t *testing.T) {
	fs, h := newTestServer(t, ServerOptions{})
	rec := do(h, "POST", "/api/v1/accounts/alice/sync", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, fs.triggered)
}

func TestAllowedHosts(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{AllowedHosts: []string{"10.0.0.0/8", "192.168.1.5"}})

	rec := do(h, "GET", "/health", map[string]string{"X-Forwarded-For": "10.1.2.3, 127.0.0.1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(h, "GET", "/health", map[string]string{"X-Real-IP": "192.168.1.5"})
	assert.Equal(t, http.StatusOK, rec.Code)
	// httptest requests come from 192.0.2.1
	rec = do(h, "GET", "/health", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
