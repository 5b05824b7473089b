package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
)

var quoteFlags struct {
	weight      string
	destination string
	category    string
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price one shipment with the current settings",
	Long: `Prints the quote for a shipment as JSON. Settings come from remote.base_url
when it is set, otherwise from the local database; unreadable settings fall
back to the defaults.

Example:
  haiti-shipping quote --weight 2,5 --destination Port-au-Prince --category "iPhone 14 Pro Max"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(true)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := cmd.Context()
		quote := calculator.QuoteShipment(calculator.Shipment{
			Weight:      quoteFlags.weight,
			Destination: quoteFlags.destination,
			Category:    quoteFlags.category,
		}, store.GetShippingRates(ctx), store.GetSpecialItems(ctx).Items)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(quote)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteFlags.weight, "weight", "0", "weight in pounds, a comma decimal separator is accepted")
	quoteCmd.Flags().StringVar(&quoteFlags.destination, "destination", "", "destination city")
	quoteCmd.Flags().StringVar(&quoteFlags.category, "category", "", "item category as entered on the shipment")
}
