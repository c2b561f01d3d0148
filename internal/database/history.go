package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go-celestia-addons/internal/models"

	log "github.com/sirupsen/logrus"
)

const historyKeyPrefix = "a_"

// History stores one models.HistoryEntry per add-on id.
type History struct {
	db *DB
	mu sync.Mutex
}

func NewHistory(db *DB) *History {
	return &History{db: db}
}

func historyKey(id string) []byte {
	return []byte(historyKeyPrefix + id)
}

// Record loads the entry for id (or starts an Idle one), applies update,
// sets the status and stores the result.
func (h *History) Record(id, status string, update func(*models.HistoryEntry)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, err := h.lookup(id)
	if errors.Is(err, ErrNotFound) {
		entry = models.HistoryEntry{ID: id, Status: models.StatusIdle}
	} else if err != nil {
		log.WithError(err).Warnf("Discarding unreadable history entry for %s", id)
		entry = models.HistoryEntry{ID: id, Status: models.StatusIdle}
	}

	if update != nil {
		update(&entry)
	}
	entry.ID = id
	entry.Status = status

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error marshalling history entry for %s: %w", id, err)
	}
	if err := h.db.Put(historyKey(id), data); err != nil {
		return err
	}
	log.WithField("id", id).Debugf("History status -> %s", status)
	return nil
}

// Lookup returns the entry for id, or ErrNotFound.
func (h *History) Lookup(id string) (models.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookup(id)
}

func (h *History) lookup(id string) (models.HistoryEntry, error) {
	var entry models.HistoryEntry
	data, err := h.db.Get(historyKey(id))
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("error unmarshalling history entry for %s: %w", id, err)
	}
	return entry, nil
}

// Forget deletes the entry for id.
func (h *History) Forget(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Delete(historyKey(id))
}

// All returns every entry, most recent first.
func (h *History) All() ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	err := h.db.Fold(func(key, value []byte) error {
		if !strings.HasPrefix(string(key), historyKeyPrefix) {
			return nil
		}
		var entry models.HistoryEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping unreadable history entry %s", string(key))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error reading history: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}
