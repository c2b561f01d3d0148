package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-celestia-addons/index"
	"go-celestia-addons/internal/helpers"
	"go-celestia-addons/internal/models"
)

type torrentJob struct {
	Item      models.ResourceItem
	Source    string
	Trackers  []string
	OutputDir string
	Overwrite bool
}

type torrentResult struct {
	Item        models.ResourceItem
	Source      string
	TorrentPath string
	MagnetLink  string
}

var (
	announceURLs      []string
	torrentOutputDir  string
	overwriteTorrents bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent [id]...",
	Short: "Generate .torrent files for installed add-ons",
	Long: `Generates BitTorrent metainfo (.torrent) files and magnet links for installed
add-on directories so they can be shared with other Celestia users. Without ids
every installed add-on is processed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(announceURLs) == 0 {
			return errors.New("at least one --announce URL is required")
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
			concurrency = 4
		}

		mgr, err := newResourceManager(nil)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(args))
		for _, id := range args {
			wanted[id] = true
		}
		var targets []models.ResourceItem
		for _, item := range mgr.InstalledResources() {
			if len(wanted) == 0 || wanted[item.ID] {
				targets = append(targets, item)
			}
		}
		if len(targets) == 0 {
			log.Info("No matching installed add-ons.")
			return nil
		}

		jobs := make(chan torrentJob, concurrency)
		results := make(chan torrentResult, len(targets))
		var wg sync.WaitGroup
		var failures atomic.Int64
		for i := 1; i <= concurrency; i++ {
			wg.Add(1)
			go torrentWorker(i, jobs, results, &wg, &failures)
		}
		for _, item := range targets {
			jobs <- torrentJob{
				Item:      item,
				Source:    mgr.ContextDirectory(item),
				Trackers:  announceURLs,
				OutputDir: torrentOutputDir,
				Overwrite: overwriteTorrents,
			}
		}
		close(jobs)
		wg.Wait()
		close(results)

		var generated []torrentResult
		for r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Item.ID, r.MagnetLink)
			generated = append(generated, r)
		}
		if err := indexTorrents(generated); err != nil {
			log.WithError(err).Warn("Failed to record torrents in the search index")
		}

		if n := failures.Load(); n > 0 {
			return fmt.Errorf("%d torrents failed to generate", n)
		}
		log.Infof("Generated %d torrent(s)", len(generated))
		return nil
	},
}

func torrentWorker(id int, jobs <-chan torrentJob, results chan<- torrentResult, wg *sync.WaitGroup, failures *atomic.Int64) {
	defer wg.Done()
	for job := range jobs {
		logger := log.WithFields(log.Fields{"worker": id, "id": job.Item.ID})
		torrentPath, magnet, err := generateTorrentFile(job.Source, job.Trackers, job.OutputDir, job.Overwrite)
		if err != nil {
			logger.WithError(err).Errorf("Failed to generate torrent for %s", job.Source)
			failures.Add(1)
			continue
		}
		logger.Debugf("Generated %s", torrentPath)
		results <- torrentResult{Item: job.Item, Source: job.Source, TorrentPath: torrentPath, MagnetLink: magnet}
	}
}

// generateTorrentFile writes <name>.torrent and <name>-magnet.txt for the
// directory sourcePath into outputDir, or next to sourcePath when outputDir
// is empty. The torrent is not written inside the directory it describes.
func generateTorrentFile(sourcePath string, trackers []string, outputDir string, overwrite bool) (string, string, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return "", "", fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}
	if !stat.IsDir() {
		return "", "", fmt.Errorf("source path is not a directory: %s", sourcePath)
	}

	if outputDir == "" {
		outputDir = filepath.Dir(sourcePath)
	}
	if !helpers.CheckAndMakeDir(outputDir) {
		return "", "", fmt.Errorf("error creating output directory %s", outputDir)
	}
	base := helpers.ConvertToSlug(stat.Name())
	if base == "" {
		base = "addon"
	}
	outPath := filepath.Join(outputDir, base+".torrent")

	mi := metainfo.MetaInfo{AnnounceList: make([][]string, len(trackers))}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}
	mi.CreatedBy = "go-celestia-addons"

	const pieceLength = 256 * 1024
	info := metainfo.Info{PieceLength: pieceLength}
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return "", "", fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return "", "", fmt.Errorf("error marshaling torrent info: %w", err)
	}

	magnetParts := []string{
		"magnet:?xt=urn:btih:" + mi.HashInfoBytes().HexString(),
		"dn=" + url.QueryEscape(stat.Name()),
	}
	for _, tracker := range trackers {
		magnetParts = append(magnetParts, "tr="+url.QueryEscape(tracker))
	}
	magnet := strings.Join(magnetParts, "&")

	if !overwrite {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return outPath, magnet, nil
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return "", "", fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return "", "", fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("error closing torrent file %s: %w", outPath, err)
	}

	magnetPath := filepath.Join(outputDir, base+"-magnet.txt")
	if err := os.WriteFile(magnetPath, []byte(magnet), 0644); err != nil {
		log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
	}
	return outPath, magnet, nil
}

func indexTorrents(results []torrentResult) error {
	if globalConfig.BleveIndexPath == "" || len(results) == 0 {
		return nil
	}
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()
	for _, r := range results {
		doc := index.ItemFromResource(r.Item, r.Source)
		doc.TorrentPath = r.TorrentPath
		doc.MagnetLink = r.MagnetLink
		if err := index.IndexItem(idx, doc); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory for .torrent and magnet files (default: next to the add-on directory)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}
