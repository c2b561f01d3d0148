// Package resource downloads, installs, lists and removes Celestia add-ons.
package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-celestia-addons/internal/archive"
	"go-celestia-addons/internal/downloader"
	"go-celestia-addons/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

// ManifestName is the file written into every installed add-on directory.
const ManifestName = "description.json"

const eventBuffer = 16

// terminalEvents is the most events a request sends after its transfer:
// DownloadSuccess followed by UnzipSuccess or an Error.
const terminalEvents = 2

// Fetcher downloads an archive into a staging location the manager owns afterwards.
type Fetcher interface {
	Fetch(ctx context.Context, url string, onProgress downloader.ProgressFunc) (downloader.Staged, error)
}

// HistoryStore records state transitions of add-on downloads.
type HistoryStore interface {
	Record(id string, status string, update func(*models.HistoryEntry)) error
}

// Options configures a Manager. The zero value is usable.
type Options struct {
	History HistoryStore
	// ProgressStep is the minimum fraction change between two progress
	// events. Defaults to 0.01.
	ProgressStep float64
	// Language drives the ordering of InstalledResources. Defaults to English.
	Language language.Tag
}

type task struct {
	id        string
	seq       uint64
	cancel    context.CancelFunc
	events    chan Event
	cancelled bool
	done      bool
	progress  float64
}

// Manager tracks in-flight add-on downloads and installs finished ones into
// the add-on or script root. All bookkeeping is guarded by mu so Cancel and
// completion never race.
type Manager struct {
	addonDir  string
	scriptDir string
	fetcher   Fetcher
	history   HistoryStore
	step      float64
	lang      language.Tag

	mu    sync.Mutex
	tasks map[string]*task
	seq   map[string]uint64
	wg    sync.WaitGroup
}

// NewManager creates both root directories if needed. Failing to create them
// is the only error the manager reports synchronously for setup.
func NewManager(addonDir, scriptDir string, fetcher Fetcher, opts Options) (*Manager, error) {
	if addonDir == "" || scriptDir == "" {
		return nil, errors.New("add-on and script directories are required")
	}
	for _, dir := range []string{addonDir, scriptDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &ResourceError{Kind: KindCreateDirectory, Path: dir, Err: err}
		}
	}
	step := opts.ProgressStep
	if step <= 0 || step > 1 {
		step = 0.01
	}
	lang := opts.Language
	if lang == language.Und {
		lang = language.English
	}
	return &Manager{
		addonDir:  addonDir,
		scriptDir: scriptDir,
		fetcher:   fetcher,
		history:   opts.History,
		step:      step,
		lang:      lang,
		tasks:     make(map[string]*task),
		seq:       make(map[string]uint64),
	}, nil
}

// AddonDirectory returns the root for non-script add-ons.
func (m *Manager) AddonDirectory() string { return m.addonDir }

// ScriptDirectory returns the root for script add-ons.
func (m *Manager) ScriptDirectory() string { return m.scriptDir }

// ContextDirectory returns the install directory of item. It is empty when
// the item id cannot name a directory.
func (m *Manager) ContextDirectory(item models.ResourceItem) string {
	if validID(item.ID) != nil {
		return ""
	}
	if item.IsScript() {
		return filepath.Join(m.scriptDir, item.ID)
	}
	return filepath.Join(m.addonDir, item.ID)
}

// IsDownloading reports whether a download for id is in flight.
func (m *Manager) IsDownloading(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// IsInstalled reports whether the install directory of item exists.
func (m *Manager) IsInstalled(item models.ResourceItem) bool {
	dir := m.ContextDirectory(item)
	if dir == "" {
		return false
	}
	_, err := os.Stat(dir)
	return err == nil
}

// Uninstall removes the install directory of item.
func (m *Manager) Uninstall(item models.ResourceItem) error {
	dir := m.ContextDirectory(item)
	if dir == "" {
		return fmt.Errorf("%w: %q", ErrInvalidItem, item.ID)
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("uninstalling %s: %w", item.ID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("uninstalling %s: %w", item.ID, err)
	}
	log.WithField("id", item.ID).Infof("Removed %s", dir)
	m.record(item.ID, models.StatusUninstalled, func(e *models.HistoryEntry) {
		e.Name = item.Name
		e.Type = item.Type
		e.Folder = dir
		e.ErrorDetails = ""
	})
	return nil
}

// Download starts fetching item in the background and returns the channel
// its events are delivered on. The channel is closed after the terminal
// event (EventUnzipSuccess or EventError). Room for the terminal events is
// always kept in the channel buffer, so a request runs to completion and
// Wait returns even when the consumer stops reading; progress events are
// dropped instead.
//
// A second Download for an id that is still in flight is rejected with
// ErrAlreadyDownloading.
func (m *Manager) Download(ctx context.Context, item models.ResourceItem) (<-chan Event, error) {
	if err := validID(item.ID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(item.Item) == "" {
		return nil, fmt.Errorf("%w: %s has no download URL", ErrInvalidItem, item.ID)
	}

	m.mu.Lock()
	if _, ok := m.tasks[item.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDownloading, item.ID)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	m.seq[item.ID]++
	t := &task{
		id:     item.ID,
		seq:    m.seq[item.ID],
		cancel: cancel,
		events: make(chan Event, eventBuffer),
	}
	m.tasks[item.ID] = t
	m.wg.Add(1)

	// Recorded under mu so a cancelled predecessor cannot overwrite it.
	dest := m.ContextDirectory(item)
	m.record(item.ID, models.StatusDownloading, func(e *models.HistoryEntry) {
		e.Name = item.Name
		e.Type = item.Type
		e.Folder = dest
		e.StagingPath = ""
		e.ArchiveBLAKE3 = ""
		e.ArchiveSize = 0
		e.ErrorDetails = ""
	})
	m.mu.Unlock()

	log.WithField("id", item.ID).Infof("Downloading %s from %s", item.Name, item.Item)

	go m.run(taskCtx, t, item, dest)
	return t.events, nil
}

// Cancel stops the in-flight download for id. It is a no-op when there is none.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
		t.cancelled = true
	}
	m.mu.Unlock()
	if ok {
		log.WithField("id", id).Info("Cancelling download")
		t.cancel()
	}
}

// Wait blocks until every started download has delivered its terminal event.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, t *task, item models.ResourceItem, dest string) {
	defer m.wg.Done()
	defer close(t.events)
	defer t.cancel()

	staged, err := m.fetcher.Fetch(ctx, item.Item, func(written, total int64) {
		m.reportProgress(t, written, total)
	})

	// The entry leaves the table before any terminal event is delivered.
	m.mu.Lock()
	cancelled := t.cancelled
	if !cancelled && err != nil && errors.Is(err, context.Canceled) {
		// The caller's context ended rather than an explicit Cancel.
		cancelled = true
	}
	if m.tasks[t.id] == t {
		delete(m.tasks, t.id)
	}
	t.done = true
	// A newer download of the same id owns the history entry.
	if cancelled && m.seq[t.id] == t.seq {
		m.record(item.ID, models.StatusCancelled, nil)
	}
	m.mu.Unlock()

	logger := log.WithField("id", item.ID)
	if cancelled {
		if err == nil {
			removeStaged(staged.Path)
		}
		logger.Info("Download cancelled")
		t.events <- errorEvent(item.ID, &ResourceError{Kind: KindCancelled, Err: context.Canceled})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Download failed")
		m.record(item.ID, models.StatusDownloadFailed, func(e *models.HistoryEntry) {
			e.ErrorDetails = err.Error()
		})
		t.events <- errorEvent(item.ID, &ResourceError{Kind: KindDownload, Err: err})
		return
	}

	m.record(item.ID, models.StatusDownloaded, func(e *models.HistoryEntry) {
		e.StagingPath = staged.Path
		e.ArchiveBLAKE3 = staged.BLAKE3
		e.ArchiveSize = staged.Size
	})
	t.events <- Event{Kind: EventDownloadSuccess, ID: item.ID}

	// Extraction is not interruptible once started.
	m.record(item.ID, models.StatusExtracting, nil)
	extractErr := archive.Extract(staged.Path, dest)
	removeStaged(staged.Path)
	if extractErr != nil {
		rerr := extractError(extractErr)
		logger.WithError(extractErr).Error("Unzip failed")
		m.record(item.ID, models.StatusExtractFailed, func(e *models.HistoryEntry) {
			e.StagingPath = ""
			e.ErrorDetails = rerr.Error()
		})
		t.events <- errorEvent(item.ID, rerr)
		return
	}

	t.events <- Event{Kind: EventUnzipSuccess, ID: item.ID}
	if err := WriteManifest(dest, item); err != nil {
		logger.WithError(err).Warn("Failed to write add-on manifest")
	}
	m.record(item.ID, models.StatusInstalled, func(e *models.HistoryEntry) {
		e.StagingPath = ""
	})
	logger.Infof("Installed %s into %s", item.Name, dest)
}

func (m *Manager) reportProgress(t *task, written, total int64) {
	if total <= 0 {
		return
	}
	fraction := float64(written) / float64(total)
	if fraction > 1 {
		fraction = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.done {
		return
	}
	if fraction-t.progress < m.step && !(fraction == 1 && t.progress < 1) {
		return
	}
	// Progress is advisory; drop it rather than block the transfer or take
	// the slots reserved for terminal events. run is the only other sender
	// and it sends only after the transfer, so len cannot grow underneath.
	if len(t.events) >= cap(t.events)-terminalEvents {
		return
	}
	t.progress = fraction
	t.events <- Event{Kind: EventProgress, ID: t.id, Progress: fraction}
}

func (m *Manager) record(id, status string, update func(*models.HistoryEntry)) {
	if m.history == nil {
		return
	}
	err := m.history.Record(id, status, func(e *models.HistoryEntry) {
		e.Timestamp = time.Now().Unix()
		if update != nil {
			update(e)
		}
	})
	if err != nil {
		log.WithError(err).WithField("id", id).Warnf("Failed to record status %s", status)
	}
}

func errorEvent(id string, err *ResourceError) Event {
	return Event{Kind: EventError, ID: id, Err: err}
}

func removeStaged(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove staged archive %s", path)
	}
}

// validID rejects ids that cannot be used as a single directory name.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: bad identifier %q", ErrInvalidItem, id)
	}
	return nil
}
