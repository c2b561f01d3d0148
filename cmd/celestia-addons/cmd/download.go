package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-celestia-addons/index"
	"go-celestia-addons/internal/models"
	"go-celestia-addons/internal/resource"
)

var downloadCmd = &cobra.Command{
	Use:   "download <id>...",
	Short: "Download and install add-ons by id",
	Long: `Fetches the metadata of each add-on from celestia.mobi, downloads its archive
and installs it into the add-on or script directory. Ctrl-C cancels the
downloads that are still running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

var installURLCmd = &cobra.Command{
	Use:   "install-url <url>",
	Short: "Install an add-on archive from a URL",
	Long: `Installs a zip archive without asking the API for metadata. The manifest is
written from the --id, --name and --type flags.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstallURL,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(installURLCmd)

	for _, c := range []*cobra.Command{downloadCmd, installURLCmd} {
		c.Flags().Bool("no-history", false, "Do not record download history")
		c.Flags().Bool("no-index", false, "Do not update the search index after installing")
	}
	viper.BindPFlag("download.no_history", downloadCmd.Flags().Lookup("no-history"))
	viper.BindPFlag("download.no_index", downloadCmd.Flags().Lookup("no-index"))
	viper.BindPFlag("install_url.no_history", installURLCmd.Flags().Lookup("no-history"))
	viper.BindPFlag("install_url.no_index", installURLCmd.Flags().Lookup("no-index"))

	installURLCmd.Flags().String("id", "", "Add-on identifier (required)")
	installURLCmd.Flags().String("name", "", "Display name (defaults to the id)")
	installURLCmd.Flags().String("type", "", "Add-on type; \"script\" installs into the script directory")
	installURLCmd.Flags().String("checksum", "", "Checksum to record in the manifest for update checks")
	_ = installURLCmd.MarkFlagRequired("id")
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client := newApiClient()
	var items []models.ResourceItem
	for _, id := range args {
		item, err := client.GetMetadata(ctx, id, globalConfig.Language)
		if err != nil {
			log.WithError(err).Errorf("Failed to fetch metadata for %s", id)
			return fmt.Errorf("fetching metadata for %s: %w", id, err)
		}
		items = append(items, item)
	}
	return installWithProgress(ctx, "download", items)
}

func runInstallURL(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	typ, _ := cmd.Flags().GetString("type")
	checksum, _ := cmd.Flags().GetString("checksum")
	if name == "" {
		name = id
	}
	item := models.ResourceItem{ID: id, Name: name, Type: typ, Item: args[0], Checksum: checksum}
	return installWithProgress(ctx, "install_url", []models.ResourceItem{item})
}

// installWithProgress installs items with a live progress display and
// optional history and index bookkeeping controlled by viper keys under section.
func installWithProgress(ctx context.Context, section string, items []models.ResourceItem) error {
	var history resource.HistoryStore
	if !viper.GetBool(section + ".no_history") {
		db, h, err := openHistory()
		if err != nil {
			log.WithError(err).Warn("Download history disabled")
		} else {
			defer db.Close()
			history = h
		}
	}

	mgr, err := newResourceManager(history)
	if err != nil {
		return err
	}

	writer := uilive.New()
	writer.Start()
	failed := installItems(ctx, mgr, items, writer)
	writer.Stop()

	if !viper.GetBool(section + ".no_index") {
		if err := refreshIndex(mgr); err != nil {
			log.WithError(err).Warn("Failed to update search index")
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d add-ons failed to install", failed, len(items))
	}
	log.Infof("Installed %d add-on(s)", len(items))
	return nil
}

// installItems starts a download for each item and renders their state to
// out until all of them finished. Cancelling ctx cancels the remaining
// downloads. It returns the number of items that did not install.
func installItems(ctx context.Context, mgr *resource.Manager, items []models.ResourceItem, out io.Writer) int {
	states := make(map[string]string, len(items))
	var order []string
	var channels []<-chan resource.Event
	failed := 0

	for _, item := range items {
		events, err := mgr.Download(context.Background(), item)
		if err != nil {
			log.WithError(err).Errorf("Cannot start download of %s", item.ID)
			failed++
			continue
		}
		states[item.ID] = "queued"
		order = append(order, item.ID)
		channels = append(channels, events)
	}

	var mu sync.Mutex
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		var b strings.Builder
		for _, id := range order {
			fmt.Fprintf(&b, "%s: %s\n", id, states[id])
		}
		_, _ = io.WriteString(out, b.String())
		if f, ok := out.(interface{ Flush() error }); ok {
			_ = f.Flush()
		}
	}

	stopCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, id := range order {
				mgr.Cancel(id)
			}
		case <-stopCancel:
		}
	}()

	for ev := range mergeEvents(channels) {
		mu.Lock()
		states[ev.ID] = describeEvent(ev)
		if ev.Kind == resource.EventError {
			failed++
		}
		mu.Unlock()
		render()
	}
	close(stopCancel)
	return failed
}

func describeEvent(ev resource.Event) string {
	switch ev.Kind {
	case resource.EventProgress:
		return fmt.Sprintf("downloading %5.1f%%", ev.Progress*100)
	case resource.EventDownloadSuccess:
		return "extracting"
	case resource.EventUnzipSuccess:
		return "installed"
	case resource.EventError:
		if errors.Is(ev.Err, resource.ErrCancelled) {
			return "cancelled"
		}
		return "failed: " + ev.Err.Error()
	}
	return ev.Kind.String()
}

// mergeEvents fans the per-request channels into one.
func mergeEvents(channels []<-chan resource.Event) <-chan resource.Event {
	out := make(chan resource.Event)
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch <-chan resource.Event) {
			defer wg.Done()
			for ev := range ch {
				out <- ev
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// refreshIndex rebuilds the bleve index from the installed add-ons.
func refreshIndex(mgr *resource.Manager) error {
	if globalConfig.BleveIndexPath == "" {
		return nil
	}
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()
	return index.Rebuild(idx, mgr.InstalledResources(), mgr.ContextDirectory)
}
