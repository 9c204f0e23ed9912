package cmd

import (
	"github.com/spf13/cobra"

	"github.com/psantana5/reinit/pkg/config"
	"github.com/psantana5/reinit/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	coordURL     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reinit",
	Short: "Restart coordination for fault-tolerant parallel computations",
	Long: `reinit runs the restart-coordination layer for distributed parallel
computations: a group coordinator, a membership inspector, and an in-process
fault scenario simulator.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reinit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&coordURL, "coordinator", "", "coordinator URL (default from config)")
}

// loadConfig reads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
}

// coordinatorURL resolves the coordinator URL from flag or config.
func coordinatorURL(cfg *config.Config) string {
	if coordURL != "" {
		return coordURL
	}
	return cfg.Process.CoordinatorURL
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
