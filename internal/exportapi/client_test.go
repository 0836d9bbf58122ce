package exportapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/dxpops/internal/remote"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/v1.0", ProjectID: "p-123", ClientKey: "key", ClientSecret: "c2VjcmV0"}, nil)
	require.NoError(t, err)
	return c
}

func TestSubmit(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"exp-1","status":"InProgress"}}`))
	})

	ref, err := c.Submit(context.Background(), Request{Environment: "Production", Database: "epicms"})
	require.NoError(t, err)
	assert.Equal(t, Ref{Environment: "Production", Database: "epicms", ID: "exp-1"}, ref)
	assert.Equal(t, "/api/v1.0/projects/p-123/environments/Production/databases/epicms/exports", gotPath)
	assert.True(t, strings.HasPrefix(gotAuth, "epi-hmac key:"))
	assert.Len(t, strings.Split(strings.TrimPrefix(gotAuth, "epi-hmac "), ":"), 4)
	assert.Equal(t, 24, gotBody["retentionHours"])
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/exports/exp-1"))
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"exp-1","status":"Succeeded","downloadLink":"https://x/db.bacpac?sig=1","percentComplete":100}}`))
	})

	st, err := c.Status(context.Background(), Ref{Environment: "Production", Database: "epicms", ID: "exp-1"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
	assert.True(t, st.State.Terminal())
	assert.Equal(t, "https://x/db.bacpac?sig=1", st.DownloadURL)
}

func TestErrorsAreClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.Submit(context.Background(), Request{Environment: "Production", Database: "epicms"})
	assert.ErrorIs(t, err, remote.ErrAccessDenied)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errors":["export already running"]}`))
	})
	_, err = c.Submit(context.Background(), Request{Environment: "Production", Database: "epicms"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export already running")
}

func TestParseState(t *testing.T) {
	assert.Equal(t, StateInProgress, parseState("Queued"))
	assert.Equal(t, StateInProgress, parseState(""))
	assert.Equal(t, StateSucceeded, parseState("succeeded"))
	assert.Equal(t, StateFailed, parseState("Failed"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ProjectID: "p"}, nil)
	assert.Error(t, err)
	_, err = New(Config{ClientKey: "k", ClientSecret: "s"}, nil)
	assert.Error(t, err)
}
