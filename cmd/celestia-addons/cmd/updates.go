package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-celestia-addons/internal/api"
	"go-celestia-addons/internal/helpers"
	"go-celestia-addons/internal/models"
	"go-celestia-addons/internal/updates"
)

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "List installed add-ons with a newer version on celestia.mobi",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newResourceManager(nil)
		if err != nil {
			return err
		}
		checker := updates.NewManager(newApiClient(), mgr)
		if !checker.Refresh(cmd.Context(), updates.ReasonRefresh, updateParams("updates")) {
			return fmt.Errorf("update check failed")
		}
		printPending(cmd.OutOrStdout(), checker.PendingUpdates())
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the add-on directories and report pending updates when they change",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		mgr, err := newResourceManager(nil)
		if err != nil {
			return err
		}
		params := updateParams("watch")
		checker := updates.NewManager(newApiClient(), mgr)
		// The first look goes to the network once; later changes reuse that data.
		if !checker.Refresh(ctx, updates.ReasonViewAppear, params) {
			log.Warn("Initial update check failed, watching with no update data")
		}
		printPending(cmd.OutOrStdout(), checker.PendingUpdates())

		w, err := updates.NewWatcher(checker, mgr.AddonDirectory(), mgr.ScriptDirectory())
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		if d := viper.GetDuration("watch.debounce"); d > 0 {
			w.Debounce = d
		}

		errc := make(chan error, 1)
		go func() { errc <- w.Run(ctx, params) }()
		log.Infof("Watching %s and %s (Ctrl-C to stop)", mgr.AddonDirectory(), mgr.ScriptDirectory())
		for pending := range w.Changes {
			printPending(cmd.OutOrStdout(), pending)
		}
		return <-errc
	},
}

var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Check whether the purchase behind the transaction id is still active",
	RunE: func(cmd *cobra.Command, args []string) error {
		valid, err := checkSubscription(cmd.Context(), newApiClient(), updateParams("subscription"))
		if err != nil {
			return err
		}
		if valid {
			fmt.Fprintln(cmd.OutOrStdout(), "Subscription is active.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Subscription is not active.")
		}
		return nil
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the latest news guide from celestia.mobi",
	RunE: func(cmd *cobra.Command, args []string) error {
		guide, err := newApiClient().GetLatestMetadata(cmd.Context(), globalConfig.Language)
		if err != nil {
			return fmt.Errorf("fetching latest guide: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", guide.Title, guide.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(updatesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(subscriptionCmd)

	for _, c := range []*cobra.Command{updatesCmd, watchCmd, subscriptionCmd} {
		c.Flags().Uint64("transaction-id", 0, "Original purchase transaction id (overrides config)")
		c.Flags().Bool("sandbox", false, "Use the sandbox purchase environment (overrides config)")
	}
	viper.BindPFlag("updates.transaction_id", updatesCmd.Flags().Lookup("transaction-id"))
	viper.BindPFlag("updates.sandbox", updatesCmd.Flags().Lookup("sandbox"))
	viper.BindPFlag("watch.transaction_id", watchCmd.Flags().Lookup("transaction-id"))
	viper.BindPFlag("watch.sandbox", watchCmd.Flags().Lookup("sandbox"))
	viper.BindPFlag("subscription.transaction_id", subscriptionCmd.Flags().Lookup("transaction-id"))
	viper.BindPFlag("subscription.sandbox", subscriptionCmd.Flags().Lookup("sandbox"))

	watchCmd.Flags().Duration("debounce", updates.DefaultDebounce, "Quiet period before re-checking after a change")
	viper.BindPFlag("watch.debounce", watchCmd.Flags().Lookup("debounce"))
}

// updateParams combines the config with the flags bound under section.
func updateParams(section string) updates.Params {
	params := updates.Params{
		OriginalTransactionID: globalConfig.OriginalTransactionID,
		Sandbox:               globalConfig.Sandbox,
		Language:              globalConfig.Language,
	}
	if id := viper.GetUint64(section + ".transaction_id"); id != 0 {
		params.OriginalTransactionID = id
	}
	if viper.GetBool(section + ".sandbox") {
		params.Sandbox = true
	}
	return params
}

func checkSubscription(ctx context.Context, client *api.Client, params updates.Params) (bool, error) {
	if params.OriginalTransactionID == 0 {
		return false, errors.New("no transaction id configured (OriginalTransactionID or --transaction-id)")
	}
	valid, err := client.GetSubscriptionValidity(ctx, params.OriginalTransactionID, params.Sandbox)
	if err != nil {
		return false, fmt.Errorf("checking subscription: %w", err)
	}
	log.WithField("sandbox", params.Sandbox).Debugf("Subscription for %d valid: %t", params.OriginalTransactionID, valid)
	return valid, nil
}

func printPending(out io.Writer, pending []models.PendingAddonUpdate) {
	if len(pending) == 0 {
		fmt.Fprintln(out, "All add-ons are up to date.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tMODIFIED")
	for _, p := range pending {
		modified := "-"
		if !p.Update.ModificationDate.IsZero() {
			modified = p.Update.ModificationDate.Local().Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Addon.ID, p.Addon.Name, helpers.BytesToSize(p.Update.Size), modified)
	}
	_ = tw.Flush()
}
