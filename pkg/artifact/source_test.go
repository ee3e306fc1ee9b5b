package artifact

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "modsync-test", r.Header.Get("User-Agent"))
			assert.Equal(t, "secret", r.Header.Get("X-Token"))
			_, _ = w.Write([]byte("payload"))
		case "/big":
			_, _ = w.Write(make([]byte, 32))
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(WithUserAgent("modsync-test"), WithHeader("X-Token", "secret"), WithMaxSize(16))
	ctx := context.Background()

	data, err := src.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = src.Fetch(ctx, srv.URL+"/missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = src.Fetch(ctx, srv.URL+"/big")
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = src.Fetch(ctx, srv.URL+"/fail")
	var srcErr *SourceError
	require.True(t, errors.As(err, &srcErr))
	assert.True(t, srcErr.Temporary)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.wasm"), []byte("wasm"), 0o644))

	src := NewFileSource(dir)
	ctx := context.Background()

	tests := []struct {
		name     string
		location string
		want     string
		notFound bool
	}{
		{name: "relative", location: "a.wasm", want: "wasm"},
		{name: "absolute", location: filepath.Join(dir, "a.wasm"), want: "wasm"},
		{name: "file url", location: "file://" + filepath.Join(dir, "a.wasm"), want: "wasm"},
		{name: "missing", location: "b.wasm", notFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := src.Fetch(ctx, tt.location)
			if tt.notFound {
				assert.True(t, errors.Is(err, ErrNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	r.Register(SourceFunc(func(_ context.Context, location string) ([]byte, error) {
		return []byte("mem:" + location), nil
	}), "mem", "MEMORY")
	r.Register(NewFileSource(t.TempDir()), "file")

	data, err := r.Fetch(context.Background(), "mem://x")
	require.NoError(t, err)
	assert.Equal(t, "mem:mem://x", string(data))

	data, err = r.Fetch(context.Background(), "memory://y")
	require.NoError(t, err)
	assert.Equal(t, "mem:memory://y", string(data))

	_, err = r.Fetch(context.Background(), "gopher://z")
	assert.ErrorContains(t, err, `unsupported scheme "gopher"`)

	_, err = r.Fetch(context.Background(), "relative/path.wasm")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.ElementsMatch(t, []string{"mem", "memory", "file"}, r.Schemes())
}

func TestCache(t *testing.T) {
	var calls atomic.Int32
	next := SourceFunc(func(_ context.Context, location string) ([]byte, error) {
		calls.Add(1)
		if location == "bad" {
			return nil, errors.New("boom")
		}
		return []byte(location), nil
	})

	c, err := NewCache(next, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, err := c.Fetch(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", string(data))
	}
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.Fetch(ctx, "bad")
	assert.Error(t, err)
	_, err = c.Fetch(ctx, "bad")
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "errors are not cached")

	_, _ = c.Fetch(ctx, "b")
	_, _ = c.Fetch(ctx, "c")
	assert.Equal(t, 2, c.Len())

	c.Forget("c")
	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestParseS3Location(t *testing.T) {
	bucket, key, err := ParseS3Location("s3://modules/some-root/1.0.0/some-root.wasm")
	require.NoError(t, err)
	assert.Equal(t, "modules", bucket)
	assert.Equal(t, "some-root/1.0.0/some-root.wasm", key)

	_, _, err = ParseS3Location("s3://modules/")
	assert.Error(t, err)
	_, _, err = ParseS3Location("https://modules/a")
	assert.Error(t, err)
}

func TestNewS3SourceValidation(t *testing.T) {
	_, err := NewS3Source(S3Config{})
	assert.ErrorContains(t, err, "endpoint is required")

	_, err = NewS3Source(S3Config{Endpoint: "localhost:9000", AccessKey: "only-key"})
	assert.ErrorContains(t, err, "must be set together")

	src, err := NewS3Source(S3Config{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.NotNil(t, src)
}

func TestNewSFTPSourceValidation(t *testing.T) {
	_, err := NewSFTPSource(SFTPConfig{User: "deploy"}, zerolog.Nop())
	assert.ErrorContains(t, err, "private key or password")

	_, err = NewSFTPSource(SFTPConfig{PrivateKeyPath: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())
	assert.ErrorContains(t, err, "failed to read private key")

	src, err := NewSFTPSource(SFTPConfig{User: "deploy", Password: "pw"}, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Fetch(context.Background(), "https://host/file")
	assert.ErrorContains(t, err, "invalid sftp location")
}
