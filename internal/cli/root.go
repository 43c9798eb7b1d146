package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pepper",
	Short: "Personal assistant pipeline over a coding agent CLI",
	Long: `pepper answers requests by driving a coding agent CLI through a
classify, retrieve, author, execute and evaluate pipeline, learning reusable
memories as it goes.

Running 'pepper <prompt>' without a subcommand is equivalent to 'pepper run'.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clarifyCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(runsCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to pepper.json or pepper.yaml (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	addRunFlags(rootCmd)
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
