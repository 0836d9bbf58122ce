package azure

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/dxpops/internal/remote"
)

const listingTmpl = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults ServiceEndpoint="%[1]s/" ContainerName="media">
  <MaxResults>5000</MaxResults>
  <Blobs>%[2]s</Blobs>
  <NextMarker>%[3]s</NextMarker>
</EnumerationResults>`

const blobTmpl = `<Blob><Name>%s</Name><Properties><Last-Modified>Fri, 01 Mar 2024 00:00:00 GMT</Last-Modified><Content-Length>%d</Content-Length></Properties></Blob>`

func newBlobServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("comp") == "list":
			w.Header().Set("Content-Type", "application/xml")
			if q.Get("marker") == "" {
				blobs := fmt.Sprintf(blobTmpl, "a.jpg", 10) + fmt.Sprintf(blobTmpl, "b.jpg", 20)
				fmt.Fprintf(w, listingTmpl, srv.URL, blobs, "m1")
				return
			}
			fmt.Fprintf(w, listingTmpl, srv.URL, fmt.Sprintf(blobTmpl, "c.jpg", 30), "")
		case strings.HasSuffix(r.URL.Path, "/missing.jpg"):
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Header().Set("Content-Length", "5")
			_, _ = w.Write([]byte("hello"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestContainerListAll(t *testing.T) {
	srv := newBlobServer(t)
	c, err := New(srv.URL+"/media?sv=2024-01-01&sig=abc", Options{}, nil)
	require.NoError(t, err)

	objs, err := remote.ListAll(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "a.jpg", objs[0].Name)
	assert.Equal(t, int64(10), objs[0].Size)
	require.NotNil(t, objs[0].LastModified)
	assert.Equal(t, "c.jpg", objs[2].Name)
}

func TestContainerOpenNotFound(t *testing.T) {
	srv := newBlobServer(t)
	c, err := New(srv.URL+"/media?sig=abc", Options{}, nil)
	require.NoError(t, err)

	_, err = c.Open(context.Background(), "missing.jpg")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url", Options{}, nil)
	assert.Error(t, err)
}
