package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go-celestia-addons/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/collate"
)

// WriteManifest stores item as the manifest of the add-on installed in dir.
func WriteManifest(dir string, item models.ResourceItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding manifest for %s: %w", item.ID, err)
	}
	path := filepath.Join(dir, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing manifest %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest parses the manifest of the add-on installed in dir.
func ReadManifest(dir string) (models.ResourceItem, error) {
	var item models.ResourceItem
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("parsing manifest in %s: %w", dir, err)
	}
	return item, nil
}

// InstalledResources lists every valid add-on under the script and add-on
// roots, sorted by name in the manager's language. Folders without a
// readable manifest, whose manifest id differs from the folder name, or whose
// type does not belong to the root they were found in are skipped.
func (m *Manager) InstalledResources() []models.ResourceItem {
	seen := make(map[string]bool)
	var items []models.ResourceItem

	collect := func(root string, wantScript bool) {
		for _, item := range scanRoot(root) {
			if item.IsScript() != wantScript || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			items = append(items, item)
		}
	}
	collect(m.scriptDir, true)
	collect(m.addonDir, false)

	col := collate.New(m.lang, collate.IgnoreCase)
	sort.SliceStable(items, func(i, j int) bool {
		if c := col.CompareString(items[i].Name, items[j].Name); c != 0 {
			return c < 0
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func scanRoot(root string) []models.ResourceItem {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Failed to list %s", root)
		}
		return nil
	}
	var items []models.ResourceItem
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		item, err := ReadManifest(dir)
		if err != nil {
			log.WithError(err).Debugf("Skipping %s", dir)
			continue
		}
		if item.ID != entry.Name() {
			log.Debugf("Skipping %s: manifest id %q does not match folder", dir, item.ID)
			continue
		}
		items = append(items, item)
	}
	return items
}

// MigrateScripts moves script add-ons that were installed under the add-on
// root into the script root. Folders whose target already exists are left
// alone. It returns the number of add-ons moved.
func (m *Manager) MigrateScripts() (int, error) {
	if m.addonDir == m.scriptDir {
		return 0, nil
	}
	moved := 0
	var errs []error
	for _, item := range scanRoot(m.addonDir) {
		if !item.IsScript() {
			continue
		}
		from := filepath.Join(m.addonDir, item.ID)
		to := filepath.Join(m.scriptDir, item.ID)
		if _, err := os.Stat(to); err == nil {
			log.Warnf("Not migrating %s: %s already exists", item.ID, to)
			continue
		}
		if err := os.Rename(from, to); err != nil {
			errs = append(errs, fmt.Errorf("moving %s: %w", item.ID, err))
			continue
		}
		log.WithField("id", item.ID).Infof("Moved script add-on to %s", to)
		moved++
	}
	return moved, errors.Join(errs...)
}
