package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-celestia-addons/index"
	"go-celestia-addons/internal/downloader"
	"go-celestia-addons/internal/helpers"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover staged archives",
	Long: `Removes downloaded archives (*.zip) and partial downloads (*.tmp) left in the
staging directory by interrupted runs. Optionally removes generated *.torrent
and *-magnet.txt files from the add-on roots, and the search index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if globalConfig.StagingDirectory == "" {
			return errors.New("StagingDirectory is not configured (and cannot be inferred from AddonDirectory)")
		}
		opts := cleanOptions{
			StagingDir: newDownloader().StagingDir(),
			Roots:      []string{globalConfig.AddonDirectory, globalConfig.ScriptDirectory},
		}
		opts.Torrents, _ = cmd.Flags().GetBool("torrents")
		opts.Magnets, _ = cmd.Flags().GetBool("magnets")
		if dropIndex, _ := cmd.Flags().GetBool("index"); dropIndex {
			if globalConfig.BleveIndexPath == "" {
				return errors.New("BleveIndexPath is not configured")
			}
			opts.IndexPath = globalConfig.BleveIndexPath
		}

		counts, failed := runClean(opts)
		var parts []string
		for _, kind := range []string{downloader.StagedExt, downloader.PartialExt, ".torrent", "-magnet.txt"} {
			if counts[kind] > 0 {
				parts = append(parts, fmt.Sprintf("%d %s file(s)", counts[kind], kind))
			}
		}
		summary := "Clean complete. Removed: "
		if len(parts) > 0 {
			summary += strings.Join(parts, ", ")
		} else {
			summary += "0 files"
		}
		if opts.IndexPath != "" && failed == 0 {
			summary += " and the search index"
		}
		log.Info(summary)

		if failed > 0 {
			return fmt.Errorf("failed to remove %d item(s)", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files from the add-on roots")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files from the add-on roots")
	cleanCmd.Flags().Bool("index", false, "Also delete the search index (rebuilt by 'search --rebuild')")
}

type cleanOptions struct {
	StagingDir string
	Roots      []string
	Torrents   bool
	Magnets    bool
	// IndexPath is deleted when set.
	IndexPath string
}

// runClean removes what opts selects and returns removals per kind and the
// number of failures.
func runClean(opts cleanOptions) (map[string]int, int) {
	counts := map[string]int{}
	failed := 0
	add := func(removed map[string]int, f int) {
		failed += f
		for k, v := range removed {
			counts[k] += v
		}
	}

	add(cleanDir(opts.StagingDir, func(name string) string {
		switch {
		case strings.HasSuffix(name, downloader.StagedExt+downloader.PartialExt):
			return downloader.PartialExt
		case strings.HasSuffix(name, downloader.StagedExt):
			return downloader.StagedExt
		}
		return ""
	}))

	if opts.Torrents || opts.Magnets {
		for _, root := range opts.Roots {
			if root == "" {
				continue
			}
			add(cleanDir(root, func(name string) string {
				switch {
				case opts.Torrents && strings.HasSuffix(name, ".torrent"):
					return ".torrent"
				case opts.Magnets && strings.HasSuffix(name, "-magnet.txt"):
					return "-magnet.txt"
				}
				return ""
			}))
		}
	}

	if opts.IndexPath != "" {
		if err := index.DeleteIndex(opts.IndexPath); err != nil {
			log.WithError(err).Errorf("Failed to delete index %s", opts.IndexPath)
			failed++
		}
	}
	return counts, failed
}

// cleanDir removes the regular files directly in dir for which classify
// returns a non-empty kind. It returns removals per kind and the number of
// failures. Add-on folders are never descended into.
func cleanDir(dir string, classify func(name string) string) (map[string]int, int) {
	removed := map[string]int{}
	if !helpers.DirExists(dir) {
		log.Debugf("Nothing to clean, %s does not exist", dir)
		return removed, 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Errorf("Error reading %s", dir)
		return removed, 1
	}
	failed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		kind := classify(strings.ToLower(entry.Name()))
		if kind == "" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Errorf("Failed to remove %s file %q: %v", kind, path, err)
			failed++
			continue
		}
		log.Debugf("Removed %s", path)
		removed[kind]++
	}
	return removed, failed
}
