package updates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-celestia-addons/internal/models"
	"go-celestia-addons/internal/resource"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the roots must stay quiet before a refresh.
const DefaultDebounce = 250 * time.Millisecond

// Watcher re-runs Refresh(ReasonChange) whenever an add-on folder appears in
// or leaves one of the watched roots, or an add-on manifest is rewritten in
// place, and publishes the new pending list.
type Watcher struct {
	Dirs     []string
	Debounce time.Duration
	// Changes receives the pending updates after every refresh. Slow readers
	// only see the latest list.
	Changes <-chan []models.PendingAddonUpdate

	changes chan []models.PendingAddonUpdate
	mgr     *Manager
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the add-on roots. Run starts it.
func NewWatcher(mgr *Manager, dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ch := make(chan []models.PendingAddonUpdate, 1)
	return &Watcher{
		Dirs:     dirs,
		Debounce: DefaultDebounce,
		Changes:  ch,
		changes:  ch,
		mgr:      mgr,
		watcher:  fw,
	}, nil
}

// Run watches until ctx is done. Changes is closed on return.
func (w *Watcher) Run(ctx context.Context, params Params) error {
	defer close(w.changes)
	defer w.watcher.Close()

	for _, dir := range w.Dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		log.Debugf("Watching %s for add-on changes", dir)
		w.watchFolders(dir)
	}

	timer := time.NewTimer(w.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) && w.isRoot(filepath.Dir(event.Name)) {
				w.watchFolder(event.Name)
			}
			log.Debugf("Add-on root changed: %s %s", event.Op, event.Name)
			timer.Reset(w.Debounce)

		case <-timer.C:
			w.mgr.Refresh(ctx, ReasonChange, params)
			w.publish(w.mgr.PendingUpdates())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Add-on watcher error")
		}
	}
}

// relevant keeps events for direct children of a root, which is where
// add-on folders are created, renamed and removed, and for manifests inside
// an add-on folder, which are rewritten when an add-on is reinstalled.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
		return false
	}
	parent := filepath.Dir(event.Name)
	if w.isRoot(parent) {
		return true
	}
	return filepath.Base(event.Name) == resource.ManifestName && w.isRoot(filepath.Dir(parent))
}

func (w *Watcher) isRoot(dir string) bool {
	dir = filepath.Clean(dir)
	for _, root := range w.Dirs {
		if dir == filepath.Clean(root) {
			return true
		}
	}
	return false
}

// watchFolders adds a watch for every add-on folder already in root.
func (w *Watcher) watchFolders(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		log.WithError(err).Warnf("Failed to list %s", root)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.watchFolder(filepath.Join(root, entry.Name()))
		}
	}
}

// watchFolder watches an add-on folder for manifest changes. Watches on
// removed folders are dropped by fsnotify.
func (w *Watcher) watchFolder(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		log.WithError(err).Debugf("Not watching %s", path)
	}
}

func (w *Watcher) publish(pending []models.PendingAddonUpdate) {
	select {
	case w.changes <- pending:
		return
	default:
	}
	// Replace the unread list.
	select {
	case <-w.changes:
	default:
	}
	select {
	case w.changes <- pending:
	default:
	}
}
