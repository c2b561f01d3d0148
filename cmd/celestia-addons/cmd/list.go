package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-celestia-addons/internal/models"
	"go-celestia-addons/internal/resource"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed add-ons",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newResourceManager(nil)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return printInstalled(cmd.OutOrStdout(), mgr.InstalledResources(), asJSON)
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <id>...",
	Short: "Remove installed add-ons",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var history resource.HistoryStore
		db, h, err := openHistory()
		if err != nil {
			log.WithError(err).Warn("Download history disabled")
		} else {
			defer db.Close()
			history = h
		}
		mgr, err := newResourceManager(history)
		if err != nil {
			return err
		}
		installed := make(map[string]models.ResourceItem)
		for _, item := range mgr.InstalledResources() {
			installed[item.ID] = item
		}

		failed := 0
		for _, id := range args {
			item, ok := installed[id]
			if !ok {
				log.Errorf("Add-on %s is not installed", id)
				failed++
				continue
			}
			if err := mgr.Uninstall(item); err != nil {
				log.WithError(err).Errorf("Failed to uninstall %s", id)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d add-on(s) could not be uninstalled", failed)
		}
		if err := refreshIndex(mgr); err != nil {
			log.WithError(err).Warn("Failed to update search index")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move script add-ons from the add-on directory into the script directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newResourceManager(nil)
		if err != nil {
			return err
		}
		moved, err := mgr.MigrateScripts()
		fmt.Fprintf(cmd.OutOrStdout(), "Moved %d script add-on(s)\n", moved)
		return err
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(migrateCmd)

	listCmd.Flags().Bool("json", false, "Print the manifests as JSON")
}

func printInstalled(out io.Writer, items []models.ResourceItem, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if items == nil {
			items = []models.ResourceItem{}
		}
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "No add-ons installed.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCHECKSUM")
	for _, item := range items {
		typ := item.Type
		if typ == "" {
			typ = "-"
		}
		checksum := item.Checksum
		if checksum == "" {
			checksum = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.ID, item.Name, typ, checksum)
	}
	return tw.Flush()
}
