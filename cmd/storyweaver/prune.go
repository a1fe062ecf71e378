package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/antoniostano/storyweaver/internal/config"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions idle for longer than RETENTION_PERIOD and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

		ctx := context.Background()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.janitor.RunOnce(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(removed) == 0 {
			fmt.Fprintln(out, "No idle sessions.")
			return nil
		}
		fmt.Fprintf(out, "Removed %d idle session(s):\n", len(removed))
		for _, id := range removed {
			fmt.Fprintf(out, "  %s\n", id)
		}
		return nil
	},
}
