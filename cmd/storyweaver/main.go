// Command storyweaver serves the story chat API and runs maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "storyweaver",
	Short: "Long-running story chat service with incremental summarization",
	// Running without a subcommand starts the server.
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
