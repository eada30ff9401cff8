package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/cmd/quill/commands"
	"github.com/teranos/quill/logger"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "quill - batch article generation pipeline",
	Long: `quill - batch article generation pipeline.

quill turns batches of article requests into published articles. Each job
runs a fixed stage pipeline against ranked model backends, is checked by a
quality gate and is published to its site's webhook. Batches are admitted
under a concurrency limit and an optional spending cap.

Available commands:
  serve   - Run the scheduler and HTTP API
  batch   - Submit, list and enqueue batches
  job     - Inspect and retry jobs
  pricing - Manage backend pricing profiles
  db      - Manage the database
  am      - Show and change configuration
  version - Show version information

Examples:
  quill serve                         # Start the scheduler and API
  quill batch submit coffee.yaml      # Create a batch from a manifest
  quill batch enqueue <batch-id>      # Start generating a batch
  quill job show <job-id>             # Show a job and its progress`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			am.UseConfigFile(configPath)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./am.toml, ~/.quill/am.toml, /etc/quill/am.toml)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.PricingCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
