package imagex

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

func sourceUploader() *Uploader {
	return New(config.Config{}, staticTokens{}, http.DefaultClient)
}

func TestResolveSourceBareBase64(t *testing.T) {
	t.Parallel()
	u := sourceUploader()

	data, err := u.resolveSource(context.Background(), base64.RawURLEncoding.EncodeToString(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestResolveSourceDataURI(t *testing.T) {
	t.Parallel()
	u := sourceUploader()

	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	data, err := u.resolveSource(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestResolveSourceURL(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)
	u := New(config.Config{}, staticTokens{}, srv.Client())

	data, err := u.resolveSource(context.Background(), srv.URL+"/ref.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	_, err = u.resolveSource(context.Background(), srv.URL+"/missing.png")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestResolveSourceRejectsGarbage(t *testing.T) {
	t.Parallel()
	u := sourceUploader()

	for _, src := range []string{"not base64 at all!!!", "", "data:image/png,percent%20encoded"} {
		_, err := u.resolveSource(context.Background(), src)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, "source %q", src)
	}
}

func TestResolveSourceRejectsNonImageBytes(t *testing.T) {
	t.Parallel()
	u := sourceUploader()

	src := base64.StdEncoding.EncodeToString([]byte(`{"json": "document"}`))
	_, err := u.resolveSource(context.Background(), src)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}
