// Command flowmeter meters beverage pours from hall-effect flow sensors,
// keeps the keg inventory current and publishes pours to MQTT.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/keglevelmonitor/development-sub000/internal/config"
)

var version = "dev"

const defaultConfigPath = "/etc/flowmeter/config.yaml"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "flowmeter",
		Short:        "Keg flow metering daemon",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", defaultConfigPath, "YAML config file (missing file uses defaults)")
	root.PersistentFlags().String("inventory", "", "inventory file (overrides the config)")
	root.PersistentFlags().String("history", "", "pour history database (overrides the config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(newServeCmd(), newInventoryCmd(), newKegCmd(), newTapCmd(), newPoursCmd(), versionCmd)
	return root
}

// loadConfig reads --config and applies the path overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("inventory"); v != "" {
		cfg.InventoryPath = v
	}
	if v, _ := cmd.Flags().GetString("history"); v != "" {
		cfg.HistoryPath = v
	}
	return cfg, nil
}
