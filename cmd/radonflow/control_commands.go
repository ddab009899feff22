package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"radonflow/internal/api"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/selector"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, stage, and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			status, err := client.Status(cmd.Context())
			if errors.Is(err, api.ErrDaemonUnavailable) {
				if asJSON {
					return writeJSON(cmd, api.DaemonStatus{})
				}
				printLines(stdout, renderSectionHeader("Daemon", colorize))
				fmt.Fprintln(stdout, renderStatusLine("Running", statusWarn, "not reachable at "+ctx.apiAddress(), colorize))
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			renderDaemonStatus(stdout, status, colorize)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status payload")
	return cmd
}

func renderDaemonStatus(w io.Writer, status *api.DaemonStatus, colorize bool) {
	wf := status.Workflow
	printLines(w, renderSectionHeader("Daemon", colorize))
	if status.Running {
		fmt.Fprintln(w, renderStatusLine("Running", statusOK, fmt.Sprintf("pid %d", status.PID), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Running", statusWarn, "daemon reachable but scheduler stopped", colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Catalog", statusInfo, status.CatalogPath, colorize))
	if wf.StoreAvailable {
		fmt.Fprintln(w, renderStatusLine("Store", statusOK, "reachable", colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Store", statusError, "unavailable, next retry "+relativeTime(wf.StoreRetryAt), colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Cycles", statusInfo,
		fmt.Sprintf("%s (last %s)", count(int(wf.Cycles)), relativeTime(wf.LastCycleAt)), colorize))
	fmt.Fprintln(w, renderStatusLine("Slots", statusInfo,
		fmt.Sprintf("%d of %d free, %s dispatched", wf.Available, wf.Capacity, count(int(wf.Dispatched))), colorize))
	if wf.LastError != "" {
		fmt.Fprintln(w, renderStatusLine("Last error", statusWarn, wf.LastError, colorize))
	}
	fmt.Fprintln(w)

	printLines(w, renderSectionHeader("Stages", colorize))
	rows := make([][]string, 0, len(wf.Stages))
	for _, st := range wf.Stages {
		ready := yesNo(st.Ready)
		if st.Detail != "" {
			ready += " (" + st.Detail + ")"
		}
		rows = append(rows, []string{titleCase(st.Name), yesNo(st.Enabled), yesNo(st.Paused), ready})
	}
	fmt.Fprint(w, renderTable([]column{left("Stage"), left("Enabled"), left("Paused"), left("Worker")}, rows))

	if len(wf.Outcomes) > 0 {
		fmt.Fprintln(w)
		printLines(w, renderSectionHeader("Outcomes", colorize))
		outcomeRows := make([][]string, 0, len(wf.Outcomes))
		for _, kind := range api.SortedKeys(wf.Outcomes) {
			outcomeRows = append(outcomeRows, []string{kind, count(int(wf.Outcomes[kind]))})
		}
		fmt.Fprint(w, renderTable([]column{left("Outcome"), right("Count")}, outcomeRows))
	}

	fmt.Fprintln(w)
	printLines(w, renderSectionHeader("Workers", colorize))
	if len(wf.Workers) == 0 {
		fmt.Fprintln(w, "No workers running")
		return
	}
	fmt.Fprint(w, renderWorkers(wf.Workers))
}

func renderWorkers(workers []api.Worker) string {
	rows := make([][]string, 0, len(workers))
	for _, wk := range workers {
		band := wk.Band
		if band == "" {
			band = "-"
		}
		rows = append(rows, []string{
			wk.ExternalID,
			band,
			titleCase(wk.Stage),
			strconv.Itoa(wk.PID),
			relativeTime(wk.StartedAt),
			relativeTime(wk.LeaseUntil),
		})
	}
	return renderTable([]column{left("Record"), left("Band"), left("Stage"), right("PID"), left("Started"), left("Lease Until")}, rows)
}

func newSummaryCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	var offline bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show eligible work per stage and catalog totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary *api.Summary
			var err error
			if !offline {
				client, clientErr := ctx.client()
				if clientErr != nil {
					return clientErr
				}
				summary, err = client.Summary(cmd.Context())
			}
			if offline || errors.Is(err, api.ErrDaemonUnavailable) {
				err = ctx.withStore(func(cfg *config.Config, store *catalog.Store) error {
					local, localErr := localSummary(cmd.Context(), cfg, store)
					summary = &local
					return localErr
				})
			}
			if err != nil {
				return wrapClientError(err)
			}
			if asJSON {
				return writeJSON(cmd, summary)
			}
			renderSummary(cmd.OutOrStdout(), summary, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw summary payload")
	cmd.Flags().BoolVar(&offline, "offline", false, "Read the catalog directly instead of asking the daemon")
	return cmd
}

func localSummary(ctx context.Context, cfg *config.Config, store *catalog.Store) (api.Summary, error) {
	eligible, err := selector.New(store, selector.CriteriaFromConfig(cfg)).Counts(ctx)
	if err != nil {
		return api.Summary{}, err
	}
	stats, err := store.Stats(ctx, cfg.Aggregation.ConvergenceCap)
	if err != nil {
		return api.Summary{}, err
	}
	return api.FromSummary(stats, eligible, time.Now()), nil
}

func renderSummary(w io.Writer, summary *api.Summary, colorize bool) {
	printLines(w, renderSectionHeader("Eligible Work", colorize))
	eligibleRows := make([][]string, 0, len(config.StageNames))
	for _, name := range config.StageNames {
		eligibleRows = append(eligibleRows, []string{titleCase(name), count(summary.Eligible[name])})
	}
	fmt.Fprint(w, renderTable([]column{left("Stage"), right("Eligible")}, eligibleRows))
	fmt.Fprintln(w)

	printLines(w, renderSectionHeader("Records", colorize))
	recordRows := make([][]string, 0, len(summary.Records)+1)
	for _, status := range api.SortedKeys(summary.Records) {
		recordRows = append(recordRows, []string{titleCase(status), count(summary.Records[status])})
	}
	recordRows = append(recordRows, []string{"Total", count(summary.TotalRecords)})
	fmt.Fprint(w, renderTable([]column{left("Status"), right("Count")}, recordRows))
	fmt.Fprintln(w)

	printLines(w, renderSectionHeader("Bands", colorize))
	fmt.Fprint(w, renderTable([]column{left("Metric"), right("Count")}, [][]string{
		{"Bands", count(summary.Bands)},
		{"With measurement", count(summary.BandsWithData)},
		{"Converged", count(summary.BandsConverged)},
		{"Errored", count(summary.BandsErrored)},
		{"Samples folded", count(int(summary.Samples))},
		{"Active leases", count(summary.ActiveLeases)},
	}))
}

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "record <external-id>",
		Short: "Show one record with its bands and measurements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				view, err := client.Record(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, view)
				}
				renderRecord(cmd.OutOrStdout(), view, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw record payload")
	return cmd
}

func recordStatusKind(status string) statusKind {
	switch status {
	case "success":
		return statusOK
	case "failed":
		return statusError
	default:
		return statusInfo
	}
}

func renderRecord(w io.Writer, view *api.RecordView, colorize bool) {
	printLines(w, renderSectionHeader("Record "+view.ExternalID, colorize))
	fmt.Fprintln(w, renderStatusLine("Status", recordStatusKind(view.Status),
		fmt.Sprintf("%s (failed attempts %d)", view.Status, view.FailedAttempts), colorize))
	fmt.Fprintln(w, renderStatusLine("Position", statusInfo, fmt.Sprintf("ra %.6f dec %.6f", view.RA, view.Dec), colorize))
	fmt.Fprintln(w, renderStatusLine("Probability", statusInfo, strconv.FormatFloat(view.Probability, 'f', -1, 64), colorize))
	fmt.Fprintln(w, renderStatusLine("Updated", statusInfo, relativeTime(view.UpdatedAt), colorize))
	for _, att := range view.Attempts {
		fmt.Fprintln(w, renderStatusLine(titleCase(att.Stage)+" attempts", statusWarn,
			fmt.Sprintf("%d, next %s: %s", att.FailedAttempts, relativeTime(att.NextEligibleAt), att.LastError), colorize))
	}
	fmt.Fprintln(w)

	if len(view.Bands) == 0 {
		fmt.Fprintln(w, "No bands fetched yet")
		return
	}
	rows := make([][]string, 0, len(view.Bands))
	for _, band := range view.Bands {
		m := band.Measurement
		degree, avg := "-", "-"
		if m.HasData {
			degree = strconv.FormatFloat(m.Degree, 'f', 3, 64)
		}
		if m.AverageError != nil {
			avg = strconv.FormatFloat(*m.AverageError, 'f', 4, 64)
		}
		failed := 0
		for _, att := range band.Attempts {
			failed += att.FailedAttempts
		}
		rows = append(rows, []string{
			band.Code,
			degree,
			strconv.Itoa(m.RunningCount),
			avg,
			yesNo(m.Converged),
			yesNo(band.HasError),
			strconv.Itoa(failed),
		})
	}
	fmt.Fprint(w, renderTable([]column{
		left("Band"), right("Degree"), right("Samples"), right("Avg Error"),
		left("Converged"), left("Error"), right("Failures"),
	}, rows))
}

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List running worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				workers, err := client.Workers(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.WorkersResponse{Workers: workers})
				}
				if len(workers) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No workers running")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderWorkers(workers))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw worker list")
	return cmd
}

func newCycleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Trigger a dispatch cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Cycle(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}

func newStageToggleCommand(ctx *commandContext, action string) *cobra.Command {
	short := "Stop dispatching new work for a stage"
	if action == "resume" {
		short = "Resume dispatching work for a stage"
	}
	return &cobra.Command{
		Use:       action + " <stage>",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.StageNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				call := client.Pause
				if action == "resume" {
					call = client.Resume
				}
				resp, err := call(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
