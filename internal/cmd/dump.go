package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
)

var dumpRecords bool

type settingsDump struct {
	Rates        calculator.ShippingRates `yaml:"rates"`
	SpecialItems []calculator.SpecialItem `yaml:"specialItems"`
}

// recordDump is a stored settings row, value kept as persisted
type recordDump struct {
	Key       string    `yaml:"key"`
	Value     string    `yaml:"value"`
	UpdatedAt time.Time `yaml:"updatedAt"`
	UpdatedBy string    `yaml:"updatedBy"`
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective settings as YAML",
	Long: `Prints the effective rates and special items as YAML. With --records the
raw rows of the local settings table are printed instead, including who
last wrote each one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var v interface{}
		var err error
		if dumpRecords {
			v, err = loadRecords(cmd)
		} else {
			v, err = loadEffective(cmd)
		}
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpRecords, "records", false, "print the raw rows of the local settings table")
}

func loadEffective(cmd *cobra.Command) (settingsDump, error) {
	store, closeStore, err := openStore(true)
	if err != nil {
		return settingsDump{}, err
	}
	defer closeStore()

	ctx := cmd.Context()
	return settingsDump{
		Rates:        store.GetShippingRates(ctx),
		SpecialItems: store.GetSpecialItems(ctx).Items,
	}, nil
}

func loadRecords(cmd *cobra.Command) ([]recordDump, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	all, err := db.GetAllSettings(cmd.Context())
	if err != nil {
		return nil, err
	}
	records := make([]recordDump, 0, len(all))
	for _, s := range all {
		records = append(records, recordDump(s))
	}
	return records, nil
}
