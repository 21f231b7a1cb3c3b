package infrastructure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSBlobStore_Download(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/blobs/owner/registry.csv", []byte("POD;TRATTAMENTO\n"), 0o644))
	store := NewFSBlobStore(mem, "/blobs", 0)

	data, err := store.Download(context.Background(), "file://owner/registry.csv")
	require.NoError(t, err)
	assert.Equal(t, "POD;TRATTAMENTO\n", string(data))

	data, err = store.Download(context.Background(), "owner/registry.csv")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestFSBlobStore_NotFound(t *testing.T) {
	store := NewFSBlobStore(afero.NewMemMapFs(), "", 0)

	_, err := store.Download(context.Background(), "missing.zip")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSBlobStore_CannotEscapeRoot(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/secret.txt", []byte("x"), 0o644))
	store := NewFSBlobStore(mem, "/blobs", 0)

	_, err := store.Download(context.Background(), "../secret.txt")
	assert.Error(t, err)
}

func TestFSBlobStore_SizeCap(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/big.csv", make([]byte, 64), 0o644))
	store := NewFSBlobStore(mem, "", 16)

	_, err := store.Download(context.Background(), "big.csv")
	assert.ErrorIs(t, err, ErrBlobTooLarge)
}

func TestHTTPBlobStore_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.csv":
			w.Write([]byte("POD\nIT001E00000001\n"))
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := NewHTTPBlobStore(5*time.Second, 1<<20, nil)

	data, err := store.Download(context.Background(), srv.URL+"/ok.csv")
	require.NoError(t, err)
	assert.Contains(t, string(data), "IT001E00000001")

	_, err = store.Download(context.Background(), srv.URL+"/nope.csv")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, err = store.Download(context.Background(), srv.URL+"/boom")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBlobNotFound)
}
