// Package updates detects installed add-ons whose published checksum changed.
package updates

import (
	"context"
	"sync"

	"go-celestia-addons/internal/models"

	log "github.com/sirupsen/logrus"
)

// Reason tells Refresh whether it should go to the network.
type Reason int

const (
	// ReasonChange recomputes pending updates from the last fetch only.
	ReasonChange Reason = iota
	// ReasonRefresh always fetches.
	ReasonRefresh
	// ReasonViewAppear fetches once per Manager.
	ReasonViewAppear
)

func (r Reason) String() string {
	switch r {
	case ReasonChange:
		return "change"
	case ReasonRefresh:
		return "refresh"
	case ReasonViewAppear:
		return "viewAppear"
	}
	return "unknown"
}

// Fetcher returns the server side state of the given add-ons.
type Fetcher interface {
	GetUpdates(ctx context.Context, ids []string, lang string, originalTransactionID uint64, sandbox bool) (map[string]models.AddonUpdate, error)
}

// InstalledLister enumerates installed add-ons.
type InstalledLister interface {
	InstalledResources() []models.ResourceItem
}

// Params are forwarded to the update endpoint.
type Params struct {
	OriginalTransactionID uint64
	Sandbox               bool
	Language              string
}

// Manager keeps the last fetched update information and the derived list
// of add-ons with a pending update.
type Manager struct {
	fetcher   Fetcher
	installed InstalledLister

	mu                   sync.Mutex
	updates              map[string]models.AddonUpdate
	pending              []models.PendingAddonUpdate
	checking             bool
	didCheckOnViewAppear bool
}

func NewManager(fetcher Fetcher, installed InstalledLister) *Manager {
	return &Manager{
		fetcher:   fetcher,
		installed: installed,
		updates:   make(map[string]models.AddonUpdate),
	}
}

// Refresh optionally fetches update information according to reason and
// recomputes the pending updates. It returns false only when a fetch was
// attempted and failed; the previous update information is then kept.
// A fetch requested while another one is running is skipped.
func (m *Manager) Refresh(ctx context.Context, reason Reason, params Params) bool {
	installed := m.installed.InstalledResources()

	m.mu.Lock()
	fetch := false
	switch reason {
	case ReasonRefresh:
		fetch = true
	case ReasonViewAppear:
		fetch = !m.didCheckOnViewAppear
		m.didCheckOnViewAppear = true
	}
	if fetch && m.checking {
		log.Debugf("Skipping %s update check, one is already running", reason)
		fetch = false
	}
	if fetch {
		m.checking = true
	}
	m.mu.Unlock()

	success := true
	if fetch {
		ids := make([]string, 0, len(installed))
		for _, item := range installed {
			if item.Checksum != "" {
				ids = append(ids, item.ID)
			}
		}

		log.Debugf("Checking updates for %d add-ons", len(ids))
		fetched, err := m.fetcher.GetUpdates(ctx, ids, params.Language, params.OriginalTransactionID, params.Sandbox)

		m.mu.Lock()
		m.checking = false
		if err != nil {
			log.WithError(err).Warn("Failed to check add-on updates")
			success = false
		} else {
			if fetched == nil {
				fetched = map[string]models.AddonUpdate{}
			}
			m.updates = fetched
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.pending = computePending(installed, m.updates)
	m.mu.Unlock()
	return success
}

func computePending(installed []models.ResourceItem, updates map[string]models.AddonUpdate) []models.PendingAddonUpdate {
	var pending []models.PendingAddonUpdate
	for _, item := range installed {
		if item.Checksum == "" {
			continue
		}
		update, ok := updates[item.ID]
		if !ok || update.Checksum == item.Checksum {
			continue
		}
		pending = append(pending, models.PendingAddonUpdate{Update: update, Addon: item})
	}
	return pending
}

// PendingUpdates returns the add-ons whose installed checksum differs from
// the last fetched one.
func (m *Manager) PendingUpdates() []models.PendingAddonUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PendingAddonUpdate(nil), m.pending...)
}

func (m *Manager) IsCheckingUpdates() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checking
}

func (m *Manager) DidCheckOnViewAppear() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.didCheckOnViewAppear
}
