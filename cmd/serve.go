package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and the
// notification and job-control workers until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the stats and alerting API",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
