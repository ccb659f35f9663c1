package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlwatch/internal/monitor"
)

type checkOptions struct {
	node     int
	view     string
	realtime bool
	withExt  bool
	finished bool
	poll     bool
}

// newCheckCmd creates the 'check' subcommand. It resolves one job and prints
// the report; with --poll it also evaluates alerts, as a poller would.
func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check PROJECT SPIDER JOB",
		Short: "Resolves the stats of one job and prints them as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckCommand(cmd, opts, args)
		},
	}
	cmd.Flags().IntVar(&opts.node, "node", 1, "1-based index of the node in scrapyd.servers")
	cmd.Flags().StringVar(&opts.view, "view", monitor.ViewStats, "stats or utf8")
	cmd.Flags().BoolVar(&opts.realtime, "realtime", false, "parse the raw log instead of precomputed stats")
	cmd.Flags().BoolVar(&opts.withExt, "with-ext", false, "JOB already carries its file extension")
	cmd.Flags().BoolVar(&opts.finished, "finished", false, "mark the job as finished")
	cmd.Flags().BoolVar(&opts.poll, "poll", false, "evaluate alerts and run resulting actions")
	return cmd
}

func runCheckCommand(cmd *cobra.Command, opts *checkOptions, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if opts.poll {
		appInstance.StartWorkers(cmd.Context())
	}

	report, err := appInstance.Monitor().Stats(cmd.Context(), monitor.Request{
		Node:     opts.node,
		View:     opts.view,
		Project:  args[0],
		Spider:   args[1],
		Job:      args[2],
		Realtime: opts.realtime,
		WithExt:  opts.withExt,
		Finished: opts.finished,
		Poll:     opts.poll,
	})
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return fmt.Errorf("write report: %w", encErr)
	}
	if err != nil {
		return fmt.Errorf("check %s: %w", report.JobKey, err)
	}
	return nil
}
