package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-celestia-addons/index"
)

var searchQuery string

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search installed add-ons",
	Long: `Searches the index of installed add-ons. The query uses bleve query string
syntax, e.g. 'rings', '+type:script' or '+authors:someone'. With --rebuild the
index is regenerated from the add-on directories first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if globalConfig.BleveIndexPath == "" {
			return fmt.Errorf("BleveIndexPath is not configured")
		}
		rebuild, _ := cmd.Flags().GetBool("rebuild")
		if rebuild {
			mgr, err := newResourceManager(nil)
			if err != nil {
				return err
			}
			if err := refreshIndex(mgr); err != nil {
				return fmt.Errorf("rebuilding index: %w", err)
			}
		}

		idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
		if err != nil {
			return fmt.Errorf("opening index at %s: %w", globalConfig.BleveIndexPath, err)
		}
		defer func() {
			if err := idx.Close(); err != nil {
				log.Errorf("Error closing Bleve index: %v", err)
			}
		}()

		results, err := index.SearchIndex(idx, searchQuery)
		if err != nil {
			return fmt.Errorf("error performing search: %w", err)
		}
		log.Debugf("Search finished. Hits: %d, Total: %d, Took: %s", len(results.Hits), results.Total, results.Took)
		printSearchResults(cmd.OutOrStdout(), results)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "Search query (empty lists everything)")
	searchCmd.Flags().Bool("rebuild", false, "Rebuild the index from installed add-ons before searching")
}

func printSearchResults(out io.Writer, results *bleve.SearchResult) {
	if results.Total == 0 {
		fmt.Fprintln(out, "No results found matching your query.")
		return
	}
	for i, hit := range results.Hits {
		fmt.Fprintf(out, "[%d] %s (score %.2f)\n", i+1, hit.ID, hit.Score)
		fields := make([]string, 0, len(hit.Fields))
		for field := range hit.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			fmt.Fprintf(out, "  %s: %v\n", field, hit.Fields[field])
		}
	}
}
