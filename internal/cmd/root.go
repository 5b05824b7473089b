// Package cmd holds the haiti-shipping command line
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/julienbonastre/haiti-shipping/internal/config"
	"github.com/julienbonastre/haiti-shipping/internal/database"
	"github.com/julienbonastre/haiti-shipping/internal/logging"
	"github.com/julienbonastre/haiti-shipping/internal/remote"
	"github.com/julienbonastre/haiti-shipping/internal/settings"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "haiti-shipping",
	Short: "Shipping quotes and settings for Haiti deliveries",
	Long: `haiti-shipping prices shipments to Cap-Haïtien and Port-au-Prince.

Rates and the flat-rate special items live in the settings database and are
edited through the admin API; every process polls them for changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log.Level, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml in ./deploy, ., $HOME/.haiti-shipping, /etc/haiti-shipping)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, seedCmd, quoteCmd, watchCmd, dumpCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore returns a settings store on the remote server when one is
// configured and allowed, otherwise on the local database. The returned
// close function releases the backend.
func openStore(allowRemote bool) (*settings.Store, func(), error) {
	if allowRemote && cfg.Remote.Enabled() {
		client, err := remote.NewClient(remote.Config{
			BaseURL:      cfg.Remote.BaseURL,
			TokenURL:     cfg.Remote.TokenURL,
			ClientID:     cfg.Remote.ClientID,
			ClientSecret: cfg.Remote.ClientSecret,
			Scopes:       cfg.Remote.Scopes,
			Timeout:      cfg.Remote.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("reading settings from remote server", zap.String("base_url", cfg.Remote.BaseURL))
		store := settings.NewStore(client,
			settings.WithTimeout(cfg.Remote.Timeout),
			settings.WithLogger(logger))
		return store, func() {}, nil
	}

	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	store := settings.NewStore(db,
		settings.WithTimeout(cfg.DB.Timeout),
		settings.WithLogger(logger))
	return store, func() { db.Close() }, nil
}

func openDB() (*database.DB, error) {
	db, err := database.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	logger.Debug("database opened", zap.String("driver", db.Driver()))
	return db, nil
}
