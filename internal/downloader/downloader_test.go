package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func stagingEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetchSuccess(t *testing.T) {
	payload := []byte("PK fake archive payload for the staging test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	staging := t.TempDir()
	d := NewDownloader(srv.Client(), staging)

	var mu sync.Mutex
	var lastWritten, lastTotal int64
	staged, err := d.Fetch(context.Background(), srv.URL+"/addon.zip", func(written, total int64) {
		mu.Lock()
		defer mu.Unlock()
		lastWritten, lastTotal = written, total
	})
	require.NoError(t, err)

	sum := blake3.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), staged.BLAKE3)
	assert.Equal(t, int64(len(payload)), staged.Size)
	assert.Equal(t, int64(len(payload)), lastWritten)
	assert.Equal(t, int64(len(payload)), lastTotal)

	data, err := os.ReadFile(staged.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, []string{staged.Path[len(staging)+1:]}, stagingEntries(t, staging))
	assert.Equal(t, StagedExt, staged.Path[len(staged.Path)-len(StagedExt):])
}

func TestFetchHttpError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	staging := t.TempDir()
	d := NewDownloader(srv.Client(), staging)

	_, err := d.Fetch(context.Background(), srv.URL+"/missing.zip", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHttpStatus), "got %v", err)
	assert.Empty(t, stagingEntries(t, staging))
}

func TestFetchCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(make([]byte, 100))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	staging := t.TempDir()
	d := NewDownloader(srv.Client(), staging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	_, err := d.Fetch(ctx, srv.URL+"/slow.zip", func(written, total int64) {
		once.Do(cancel)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Empty(t, stagingEntries(t, staging))
}

func TestNewDownloaderDefaults(t *testing.T) {
	d := NewDownloader(nil, "")
	assert.Equal(t, os.TempDir(), d.StagingDir())
	assert.NotNil(t, d.client)
}
