package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the default settings records that are missing",
	Long: `Seeds shipping_rates and special_items with the built-in defaults.
Records that already exist are left untouched, so seeding twice is harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(false)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.InitializeSettingsE(cmd.Context()); err != nil {
			return fmt.Errorf("failed to seed settings: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "settings initialized")
		return nil
	},
}
