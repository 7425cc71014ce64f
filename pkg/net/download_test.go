package net

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/initial.json":
			w.Write([]byte(`{"weights":[1,2],"bias":0}`))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetHTTPClient(t *testing.T) {
	c := GetHTTPClient()
	require.NotNil(t, c)
	assert.Equal(t, reqTransport, c.Transport)
}

func TestDownload(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "initial.json")

	n, err := Download(context.Background(), srv.Client(), srv.URL+"/initial.json", path)
	require.NoError(t, err)
	assert.Equal(t, int64(26), n)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"weights":[1,2],"bias":0}`, string(b))
}

func TestDownloadErrors(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()

	_, err := Download(context.Background(), srv.Client(), srv.URL+"/missing", filepath.Join(dir, "a"))
	assert.True(t, errors.Is(err, ErrorURLNotFound))

	_, err = Download(context.Background(), srv.Client(), srv.URL+"/broken", filepath.Join(dir, "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Download(ctx, srv.Client(), srv.URL+"/initial.json", filepath.Join(dir, "c"))
	assert.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial files left behind")
}

func TestFetchModels(t *testing.T) {
	srv := testServer(t)
	dir := filepath.Join(t.TempDir(), "models")
	sources := map[string]string{"initial.json": srv.URL + "/initial.json"}

	got, err := FetchModels(context.Background(), srv.Client(), dir, sources, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "initial.json", got[0].Name)
	assert.FileExists(t, filepath.Join(dir, "initial.json"))

	got, err = FetchModels(context.Background(), srv.Client(), dir, sources, false)
	require.NoError(t, err)
	assert.Empty(t, got, "present artifacts are skipped")

	got, err = FetchModels(context.Background(), srv.Client(), dir, sources, true)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = FetchModels(context.Background(), srv.Client(), dir, map[string]string{"../x.json": srv.URL}, false)
	assert.Error(t, err)

	_, err = FetchModels(context.Background(), srv.Client(), dir, map[string]string{"gone.json": srv.URL + "/gone"}, false)
	assert.True(t, errors.Is(err, ErrorURLNotFound))
}
