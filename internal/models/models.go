package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ScriptType is the ResourceItem.Type value for add-ons installed under the script directory.
const ScriptType = "script"

type (
	Config struct {
		// Paths
		AddonDirectory   string `toml:"AddonDirectory"`
		ScriptDirectory  string `toml:"ScriptDirectory"`
		StagingDirectory string `toml:"StagingDirectory"` // Where downloaded archives are kept until extracted
		DatabasePath     string `toml:"DatabasePath"`
		BleveIndexPath   string `toml:"BleveIndexPath"`

		// API
		ApiBaseUrl            string `toml:"ApiBaseUrl"`
		Language              string `toml:"Language"`
		Sandbox               bool   `toml:"Sandbox"`
		OriginalTransactionID uint64 `toml:"OriginalTransactionID"`
		ApiClientTimeoutSec   int    `toml:"ApiClientTimeoutSec"`

		// Downloader Behavior
		ProgressStep float64 `toml:"ProgressStep"` // Minimum fraction change between progress events

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// ResourceItem describes an installable add-on. It is also the content of
	// the description.json manifest stored in every installed add-on folder.
	ResourceItem struct {
		Name           string    `json:"name"`
		Description    string    `json:"description"`
		Type           string    `json:"type,omitempty"`
		ID             string    `json:"id"`
		Image          string    `json:"image,omitempty"`
		Item           string    `json:"item"` // Download URL of the zip archive
		Authors        []string  `json:"authors,omitempty"`
		PublishTime    *UnixTime `json:"publishTime,omitempty"`
		ObjectName     string    `json:"objectName,omitempty"`
		MainScriptName string    `json:"mainScriptName,omitempty"`
		Checksum       string    `json:"checksum,omitempty"`
	}

	// AddonUpdate is the server side view of an add-on, used to detect stale installs.
	AddonUpdate struct {
		Checksum         string   `json:"checksum"`
		Size             uint64   `json:"size"`
		ModificationDate UnixTime `json:"modificationDate"`
	}

	PendingAddonUpdate struct {
		Update AddonUpdate
		Addon  ResourceItem
	}

	GuideItem struct {
		Title string `json:"title"`
		ID    string `json:"id"`
	}

	// Internal history db entry for each add-on id
	HistoryEntry struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Type          string `json:"type,omitempty"`
		Status        string `json:"status"`
		Folder        string `json:"folder"`
		StagingPath   string `json:"stagingPath,omitempty"`
		ArchiveBLAKE3 string `json:"archiveBlake3,omitempty"`
		ArchiveSize   int64  `json:"archiveSize,omitempty"`
		Timestamp     int64  `json:"timestamp"`
		ErrorDetails  string `json:"errorDetails,omitempty"`
	}
)

// IsScript reports whether the item installs into the script directory.
func (r ResourceItem) IsScript() bool {
	return r.Type == ScriptType
}

// History Status Constants
const (
	StatusIdle           = "Idle"
	StatusDownloading    = "Downloading"
	StatusCancelled      = "Cancelled"
	StatusDownloadFailed = "DownloadFailed"
	StatusDownloaded     = "Downloaded"
	StatusExtracting     = "Extracting"
	StatusInstalled      = "Installed"
	StatusExtractFailed  = "ExtractFailed"
	StatusUninstalled    = "Uninstalled"
)

// UnixTime is a time.Time that is encoded in JSON as seconds since 1970.
type UnixTime struct {
	time.Time
}

// NewUnixTime truncates t to whole seconds.
func NewUnixTime(t time.Time) UnixTime {
	return UnixTime{Time: time.Unix(t.Unix(), 0).UTC()}
}

// MarshalJSON writes the time as a number of seconds.
func (t UnixTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	secs := float64(t.UnixNano()) / float64(time.Second)
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64)), nil
}

// UnmarshalJSON accepts integer or fractional seconds. null leaves the value untouched.
func (t *UnixTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("unix time must be a number: %w", err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	return nil
}
