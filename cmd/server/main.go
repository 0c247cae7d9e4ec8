package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  .env file not found, using environment only: %v\n", err)
	}

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command. Running it without a subcommand
// starts the server.
func buildRootCmd() *cobra.Command {
	serve := buildServeCmd()

	rootCmd := &cobra.Command{
		Use:   "hakanai",
		Short: "Hakanai - disappearing one-to-one chat server",
		Long: `Hakanai relays one-to-one messages over WebSocket and deletes every
message a fixed time after its receiver has seen it.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		buildSweepCmd(),
	)
	return rootCmd
}
