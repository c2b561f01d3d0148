package resource

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-celestia-addons/internal/downloader"
	"go-celestia-addons/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu      sync.Mutex
	entries map[string]models.HistoryEntry
	trail   map[string][]string
}

func newMemHistory() *memHistory {
	return &memHistory{entries: map[string]models.HistoryEntry{}, trail: map[string][]string{}}
}

func (h *memHistory) Record(id, status string, update func(*models.HistoryEntry)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[id]
	e.ID = id
	e.Status = status
	if update != nil {
		update(&e)
	}
	h.entries[id] = e
	h.trail[id] = append(h.trail[id], status)
	return nil
}

func (h *memHistory) statuses(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.trail[id]...)
}

func zipBytes(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, fetcher Fetcher, history HistoryStore) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(filepath.Join(root, "extras"), filepath.Join(root, "scripts"), fetcher, Options{History: history})
	require.NoError(t, err)
	return m, root
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for download events")
			return out
		}
	}
}

func withoutProgress(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind != EventProgress {
			out = append(out, ev)
		}
	}
	return out
}

func TestDownloadInstallsArchive(t *testing.T) {
	body := zipBytes(t, map[string]string{"a.txt": "alpha", "b/c.txt": "charlie"}, "a.txt", "b/c.txt")
	srv := serveBytes(t, body)

	history := newMemHistory()
	staging := t.TempDir()
	m, root := newTestManager(t, downloader.NewDownloader(srv.Client(), staging), history)

	item := models.ResourceItem{ID: "foo", Name: "Foo", Type: "addon", Item: srv.URL + "/foo.zip"}
	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)

	all := collect(t, events)
	terminal := withoutProgress(all)
	require.Len(t, terminal, 2)
	assert.Equal(t, EventDownloadSuccess, terminal[0].Kind)
	assert.Equal(t, EventUnzipSuccess, terminal[1].Kind)
	for _, ev := range all {
		assert.Equal(t, "foo", ev.ID)
		if ev.Kind == EventProgress {
			assert.True(t, ev.Progress >= 0 && ev.Progress <= 1)
		}
	}

	dest := filepath.Join(root, "extras", "foo")
	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	data, err = os.ReadFile(filepath.Join(dest, "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "charlie", string(data))

	manifest, err := ReadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, item.ID, manifest.ID)
	assert.Equal(t, item.Name, manifest.Name)
	assert.Equal(t, item.Type, manifest.Type)

	assert.False(t, m.IsDownloading("foo"))
	assert.True(t, m.IsInstalled(item))

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged archive should be removed")

	assert.Equal(t, []string{
		models.StatusDownloading,
		models.StatusDownloaded,
		models.StatusExtracting,
		models.StatusInstalled,
	}, history.statuses("foo"))
}

func TestDownloadScriptGoesToScriptRoot(t *testing.T) {
	srv := serveBytes(t, zipBytes(t, map[string]string{"start.celx": "x"}, "start.celx"))
	m, root := newTestManager(t, downloader.NewDownloader(srv.Client(), t.TempDir()), nil)

	item := models.ResourceItem{ID: "tour", Name: "Tour", Type: models.ScriptType, Item: srv.URL}
	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	collect(t, events)

	_, err = os.Stat(filepath.Join(root, "scripts", "tour", "start.celx"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "extras", "tour"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadHttpErrorEmitsSingleDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	history := newMemHistory()
	m, root := newTestManager(t, downloader.NewDownloader(srv.Client(), t.TempDir()), history)

	item := models.ResourceItem{ID: "missing", Name: "Missing", Item: srv.URL + "/missing.zip"}
	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)

	got := withoutProgress(collect(t, events))
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Kind)
	require.NotNil(t, got[0].Err)
	assert.Equal(t, KindDownload, got[0].Err.Kind)
	assert.True(t, errors.Is(got[0].Err, ErrDownload))
	assert.True(t, errors.Is(got[0].Err, downloader.ErrHttpStatus))

	assert.False(t, m.IsDownloading("missing"))
	_, err = os.Stat(filepath.Join(root, "extras", "missing"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{models.StatusDownloading, models.StatusDownloadFailed}, history.statuses("missing"))
}

func TestDownloadCorruptArchiveEmitsZipError(t *testing.T) {
	srv := serveBytes(t, []byte("this is not a zip archive"))
	m, _ := newTestManager(t, downloader.NewDownloader(srv.Client(), t.TempDir()), nil)

	events, err := m.Download(context.Background(), models.ResourceItem{ID: "bad", Item: srv.URL})
	require.NoError(t, err)

	got := withoutProgress(collect(t, events))
	require.Len(t, got, 2)
	assert.Equal(t, EventDownloadSuccess, got[0].Kind)
	assert.Equal(t, EventError, got[1].Kind)
	assert.Equal(t, KindZip, got[1].Err.Kind)
}

// blockingFetcher waits for cancellation before returning.
type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string, onProgress downloader.ProgressFunc) (downloader.Staged, error) {
	close(f.started)
	<-ctx.Done()
	// Progress reported after cancellation must not reach the consumer.
	onProgress(50, 100)
	return downloader.Staged{}, ctx.Err()
}

func TestCancelEmitsCancelledOnly(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan struct{})}
	history := newMemHistory()
	m, root := newTestManager(t, fetcher, history)

	item := models.ResourceItem{ID: "slow", Name: "Slow", Item: "http://example.invalid/slow.zip"}
	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	<-fetcher.started
	assert.True(t, m.IsDownloading("slow"))

	m.Cancel("slow")
	assert.False(t, m.IsDownloading("slow"))

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Kind)
	assert.Equal(t, KindCancelled, got[0].Err.Kind)
	assert.True(t, errors.Is(got[0].Err, ErrCancelled))

	_, err = os.Stat(filepath.Join(root, "extras", "slow"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{models.StatusDownloading, models.StatusCancelled}, history.statuses("slow"))
}

func TestCancelUnknownIsNoop(t *testing.T) {
	m, _ := newTestManager(t, &blockingFetcher{started: make(chan struct{})}, nil)
	m.Cancel("nothing")
	assert.False(t, m.IsDownloading("nothing"))
}

func TestDownloadRejectsDuplicate(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan struct{})}
	m, _ := newTestManager(t, fetcher, nil)

	item := models.ResourceItem{ID: "dup", Item: "http://example.invalid/dup.zip"}
	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	<-fetcher.started

	_, err = m.Download(context.Background(), item)
	assert.ErrorIs(t, err, ErrAlreadyDownloading)

	m.Cancel("dup")
	collect(t, events)
	m.Wait()
}

func TestDownloadRejectsInvalidItems(t *testing.T) {
	m, _ := newTestManager(t, &blockingFetcher{started: make(chan struct{})}, nil)

	for _, item := range []models.ResourceItem{
		{ID: "", Item: "http://x/a.zip"},
		{ID: "..", Item: "http://x/a.zip"},
		{ID: "a/b", Item: "http://x/a.zip"},
		{ID: "ok", Item: ""},
	} {
		_, err := m.Download(context.Background(), item)
		assert.ErrorIs(t, err, ErrInvalidItem, "id %q", item.ID)
	}
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		for off := 0; off < len(body); off += 4096 {
			_, _ = w.Write(body[off : off+4096])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	m, _ := newTestManager(t, downloader.NewDownloader(srv.Client(), t.TempDir()), nil)
	events, err := m.Download(context.Background(), models.ResourceItem{ID: "big", Item: srv.URL})
	require.NoError(t, err)

	last := 0.0
	for _, ev := range collect(t, events) {
		if ev.Kind != EventProgress {
			continue
		}
		assert.GreaterOrEqual(t, ev.Progress, last)
		last = ev.Progress
	}
}

func TestNewManagerFailsWhenRootIsAFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := NewManager(blocker, filepath.Join(dir, "scripts"), nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreateDirectory)
}

func TestDownloadAgainAfterFailure(t *testing.T) {
	body := zipBytes(t, map[string]string{"a.txt": "alpha"}, "a.txt")
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	history := newMemHistory()
	m, root := newTestManager(t, downloader.NewDownloader(srv.Client(), t.TempDir()), history)
	item := models.ResourceItem{ID: "retry", Name: "Retry", Item: srv.URL + "/retry.zip"}

	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	first := withoutProgress(collect(t, events))
	require.Len(t, first, 1)
	assert.Equal(t, KindDownload, first[0].Err.Kind)
	assert.False(t, m.IsDownloading("retry"))

	events, err = m.Download(context.Background(), item)
	require.NoError(t, err)
	second := withoutProgress(collect(t, events))
	require.Len(t, second, 2)
	assert.Equal(t, EventDownloadSuccess, second[0].Kind)
	assert.Equal(t, EventUnzipSuccess, second[1].Kind)

	assert.FileExists(t, filepath.Join(root, "extras", "retry", "a.txt"))
	assert.Equal(t, []string{
		models.StatusDownloading,
		models.StatusDownloadFailed,
		models.StatusDownloading,
		models.StatusDownloaded,
		models.StatusExtracting,
		models.StatusInstalled,
	}, history.statuses("retry"))
}

// gatedFetcher blocks its first Fetch until cancelled and, when release is
// set, until release is closed. Later calls go to next.
type gatedFetcher struct {
	next    Fetcher
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string, onProgress downloader.ProgressFunc) (downloader.Staged, error) {
	if f.calls.Add(1) > 1 {
		return f.next.Fetch(ctx, url, onProgress)
	}
	close(f.started)
	<-ctx.Done()
	if f.release != nil {
		<-f.release
	}
	return downloader.Staged{}, ctx.Err()
}

func TestDownloadAgainAfterCancel(t *testing.T) {
	srv := serveBytes(t, zipBytes(t, map[string]string{"a.txt": "alpha"}, "a.txt"))
	fetcher := &gatedFetcher{
		next:    downloader.NewDownloader(srv.Client(), t.TempDir()),
		started: make(chan struct{}),
	}
	history := newMemHistory()
	m, root := newTestManager(t, fetcher, history)
	item := models.ResourceItem{ID: "again", Name: "Again", Item: srv.URL}

	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	<-fetcher.started
	m.Cancel("again")
	first := collect(t, events)
	require.Len(t, first, 1)
	assert.Equal(t, KindCancelled, first[0].Err.Kind)
	assert.False(t, m.IsDownloading("again"))

	events, err = m.Download(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, m.IsDownloading("again"))
	second := withoutProgress(collect(t, events))
	require.Len(t, second, 2)
	assert.Equal(t, EventUnzipSuccess, second[1].Kind)
	assert.False(t, m.IsDownloading("again"))

	assert.FileExists(t, filepath.Join(root, "extras", "again", "a.txt"))
	assert.Equal(t, []string{
		models.StatusDownloading,
		models.StatusCancelled,
		models.StatusDownloading,
		models.StatusDownloaded,
		models.StatusExtracting,
		models.StatusInstalled,
	}, history.statuses("again"))
}

func TestCancelledDownloadDoesNotOverwriteNewerHistory(t *testing.T) {
	srv := serveBytes(t, zipBytes(t, map[string]string{"a.txt": "alpha"}, "a.txt"))
	fetcher := &gatedFetcher{
		next:    downloader.NewDownloader(srv.Client(), t.TempDir()),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	history := newMemHistory()
	m, _ := newTestManager(t, fetcher, history)
	item := models.ResourceItem{ID: "race", Name: "Race", Item: srv.URL}

	stale, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	<-fetcher.started
	m.Cancel("race")

	// The replacement starts and finishes while the cancelled fetch is
	// still returning.
	events, err := m.Download(context.Background(), item)
	require.NoError(t, err)
	second := withoutProgress(collect(t, events))
	require.Len(t, second, 2)
	assert.Equal(t, EventUnzipSuccess, second[1].Kind)

	close(fetcher.release)
	first := collect(t, stale)
	require.Len(t, first, 1)
	assert.Equal(t, KindCancelled, first[0].Err.Kind)
	m.Wait()

	assert.Equal(t, []string{
		models.StatusDownloading,
		models.StatusDownloading,
		models.StatusDownloaded,
		models.StatusExtracting,
		models.StatusInstalled,
	}, history.statuses("race"))
	history.mu.Lock()
	assert.Equal(t, models.StatusInstalled, history.entries["race"].Status)
	history.mu.Unlock()
}

func TestUndrainedDownloadStillCompletes(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "big.bin", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{'x'}, 256*1024))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	archive := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
		for off := 0; off < len(archive); off += 1024 {
			end := min(off+1024, len(archive))
			_, _ = w.Write(archive[off:end])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	m, root := newTestManager(t, downloader.NewDownloader(srv.Client(), t.TempDir()), nil)
	events, err := m.Download(context.Background(), models.ResourceItem{ID: "idle", Item: srv.URL})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not return while nobody read the events")
	}
	assert.FileExists(t, filepath.Join(root, "extras", "idle", "big.bin"))

	terminal := withoutProgress(collect(t, events))
	require.Len(t, terminal, 2)
	assert.Equal(t, EventDownloadSuccess, terminal[0].Kind)
	assert.Equal(t, EventUnzipSuccess, terminal[1].Kind)
}
