package cmd

import (
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/julienbonastre/haiti-shipping/internal/ratesync"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the settings and log every change",
	Long: `Runs a change-detection poller against remote.base_url, or the local
database when no remote is configured, and logs each change until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(true)
		if err != nil {
			return err
		}
		defer closeStore()

		interval := cfg.Sync.Interval
		if watchInterval > 0 {
			interval = watchInterval
		}

		ctx := cmd.Context()
		poller := ratesync.New(store, logger.Named("poller"))
		changes, unsubscribe := poller.Subscribe()
		defer unsubscribe()

		if err := poller.Start(ctx, ratesync.Options{Interval: interval, Silent: cfg.Sync.Silent}); err != nil {
			return err
		}
		defer poller.Stop()
		logger.Info("watching shipping settings", zap.Duration("interval", interval))

		for {
			select {
			case <-ctx.Done():
				return nil
			case change := <-changes:
				logChange(change)
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "poll interval (default sync.interval)")
}

func logChange(change ratesync.Change) {
	prev, cur := change.Previous.Rates, change.Current.Rates
	if prev != cur {
		logger.Info("shipping rates changed",
			zap.Float64("service_fee", cur.ServiceFee),
			zap.Float64("rate_cap_haitien", cur.RateCapHaitien),
			zap.Float64("rate_port_au_prince", cur.RatePortAuPrince))
	}
	if !slices.Equal(change.Previous.Items.Items, change.Current.Items.Items) {
		logger.Info("special items changed", zap.Int("count", len(change.Current.Items.Items)))
	}
}
