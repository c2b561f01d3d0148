// Package index keeps a bleve full text index of installed add-ons.
package index

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go-celestia-addons/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "addons.bleve"

// Item is the indexed view of an installed add-on. Fields are searchable by
// their JSON names, e.g. '+type:script' or '+authors:someone'.
type Item struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Authors        []string  `json:"authors,omitempty"`
	ObjectName     string    `json:"objectName,omitempty"`
	MainScriptName string    `json:"mainScriptName,omitempty"`
	Checksum       string    `json:"checksum,omitempty"`
	DirectoryPath  string    `json:"directoryPath"`
	PublishedAt    time.Time `json:"publishedAt,omitempty"`

	// Set by the torrent command.
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// ItemFromResource builds the index document for an add-on installed in dir.
func ItemFromResource(item models.ResourceItem, dir string) Item {
	doc := Item{
		ID:             item.ID,
		Type:           item.Type,
		Name:           item.Name,
		Description:    item.Description,
		Authors:        item.Authors,
		ObjectName:     item.ObjectName,
		MainScriptName: item.MainScriptName,
		Checksum:       item.Checksum,
		DirectoryPath:  dir,
	}
	if doc.Type == "" {
		doc.Type = "addon"
	}
	if item.PublishTime != nil {
		doc.PublishedAt = item.PublishTime.Time
	}
	return doc
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		idx, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return idx, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(idx bleve.Index, item Item) error {
	return idx.Index(item.ID, item)
}

// Rebuild replaces the indexed documents with items. dirOf maps an item to
// its install directory. Documents for add-ons that are gone are removed.
func Rebuild(idx bleve.Index, items []models.ResourceItem, dirOf func(models.ResourceItem) string) error {
	keep := make(map[string]bool, len(items))
	batch := idx.NewBatch()
	for _, item := range items {
		keep[item.ID] = true
		if err := batch.Index(item.ID, ItemFromResource(item, dirOf(item))); err != nil {
			return fmt.Errorf("indexing %s: %w", item.ID, err)
		}
	}

	stale, err := indexedIDs(idx)
	if err != nil {
		return err
	}
	for _, id := range stale {
		if !keep[id] {
			batch.Delete(id)
		}
	}

	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("writing index batch: %w", err)
	}
	log.Debugf("Indexed %d installed add-ons", len(items))
	return nil
}

func indexedIDs(idx bleve.Index) ([]string, error) {
	count, err := idx.DocCount()
	if err != nil {
		return nil, fmt.Errorf("counting index documents: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("listing index documents: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// SearchIndex performs a query string search. An empty query matches everything.
func SearchIndex(idx bleve.Index, query string) (*bleve.SearchResult, error) {
	var req *bleve.SearchRequest
	if strings.TrimSpace(query) == "" {
		req = bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	} else {
		req = bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	}
	req.Fields = []string{"*"}
	req.Size = 100
	return idx.Search(req)
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Infof("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
