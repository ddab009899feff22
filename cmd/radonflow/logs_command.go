package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"radonflow/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var record string
	var match []string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		Long: "Print the last lines of the current daemon log.\n\n" +
			"--record and --match keep only lines containing the given text; " +
			"--follow keeps printing new lines until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := logs.CurrentPath(cfg.Paths.LogDir)
			out := cmd.OutOrStdout()
			opts := logs.TailOptions{Offset: -1, Limit: lines, Match: match}
			if record != "" {
				opts.Match = append(opts.Match, record)
			}

			if !follow {
				res, err := logs.Tail(cmd.Context(), path, opts)
				if err != nil {
					return err
				}
				if len(res.Lines) == 0 {
					fmt.Fprintf(out, "No log lines in %s\n", path)
				}
				for _, line := range res.Lines {
					fmt.Fprintln(out, line)
				}
				return nil
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return logs.Follow(runCtx, path, opts, func(line string) {
				fmt.Fprintln(out, line)
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&record, "record", "", "Only show lines mentioning this external id")
	cmd.Flags().StringArrayVarP(&match, "match", "m", nil, "Only show lines containing this text (repeatable)")
	return cmd
}
