// Command basketd runs the batched basket conversion engine and share vault.
package main

import (
	"fmt"
	"os"

	"basketbatch/internal/config"
	"basketbatch/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// cfg is loaded and validated before every command except config init.
	cfg *config.Config
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "basketd",
	Short: "Batched basket conversion engine and share vault",
	Long: `basketd pools reserve-currency deposits into mint batches and basket-token
deposits into redeem batches, settles each batch in one conversion against the
basket's components, and pays depositors pro rata. It also runs a share vault
that charges management, performance and withdrawal fees.

State is journaled to SQLite or Postgres and restored on start.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		cfg = loaded
		if err := logging.Initialize(cfg.LoggingOptions()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "basketd.yaml", "Config file (defaults apply when missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
