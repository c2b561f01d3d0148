package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go-celestia-addons/internal/database"
	"go-celestia-addons/internal/helpers"
	"go-celestia-addons/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show the download history",
	Long: `Prints the last recorded state of every add-on that was downloaded,
installed or removed with this tool. With an id, only that add-on is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, h, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		if len(args) == 1 {
			entry, err := h.Lookup(args[0])
			if err != nil {
				return fmt.Errorf("no history for %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		}

		status, _ := cmd.Flags().GetString("status")
		entries, err := filterHistory(h, status)
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), entries)
		return nil
	},
}

var historyForgetCmd = &cobra.Command{
	Use:   "forget <id>...",
	Short: "Delete history entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, h, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()
		for _, id := range args {
			if err := h.Forget(id); err != nil {
				return fmt.Errorf("forgetting %s: %w", id, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyForgetCmd)
	historyCmd.Flags().String("status", "", "Only show entries with this status (e.g. Installed, DownloadFailed)")
}

func filterHistory(h *database.History, status string) ([]models.HistoryEntry, error) {
	entries, err := h.All()
	if err != nil || status == "" {
		return entries, err
	}
	var filtered []models.HistoryEntry
	for _, e := range entries {
		if strings.EqualFold(e.Status, status) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func printHistory(out io.Writer, entries []models.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No history recorded.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWHEN\tSIZE\tBLAKE3\tDETAILS")
	for _, e := range entries {
		size := "-"
		if e.ArchiveSize > 0 {
			size = helpers.BytesToSize(uint64(e.ArchiveSize))
		}
		digest := "-"
		if len(e.ArchiveBLAKE3) >= 12 {
			digest = e.ArchiveBLAKE3[:12]
		}
		details := e.ErrorDetails
		if details == "" {
			details = e.Folder
		}
		when := time.Unix(e.Timestamp, 0).Local().Format(time.DateTime)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Status, when, size, digest, details)
	}
	_ = tw.Flush()
}
