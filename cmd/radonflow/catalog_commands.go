package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/ingest"
	"radonflow/internal/logging"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "ingest <catalog.csv>",
		Short: "Load records from a CSV export into the catalog",
		Long: "Load records from a CSV export with columns source_id, ra, dec, gal_prob, and bin_id.\n" +
			"Records whose source_id already exists are skipped. Use - to read standard input.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := cmd.InOrStdin()
			if args[0] != "-" {
				path, err := config.ExpandPath(args[0])
				if err != nil {
					return err
				}
				file, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				defer file.Close()
				input = file
			}
			return ctx.withStore(func(cfg *config.Config, store *catalog.Store) error {
				result, err := ingest.FromCSV(cmd.Context(), store, input, ingest.Options{
					BatchSize: batchSize,
					Logger:    logging.NewNop(),
				})
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Read %s rows: %s inserted, %s skipped (already present)\n",
					count(result.Rows), count(result.Inserted), count(result.Skipped))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "Rows committed per transaction")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [external-id...]",
		Short: "Return failed records to pending",
		Long: "Return failed records to pending, clearing their retry counters and band errors.\n" +
			"A running daemon picks them up on its next cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("specify record ids or --all")
			}
			return ctx.withStore(func(cfg *config.Config, store *catalog.Store) error {
				ids := args
				if all {
					failed, err := store.ListRecords(cmd.Context(), 0, 0, catalog.StatusFailed)
					if err != nil {
						return err
					}
					ids = make([]string, 0, len(failed))
					for _, rec := range failed {
						ids = append(ids, rec.ExternalID)
					}
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed records")
					return nil
				}
				reset, err := store.RetryFailed(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %s of %s records to pending\n", count(reset), count(len(ids)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Retry every failed record")
	return cmd
}

func newRecordsCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string
	var limit, offset int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List catalog records",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]catalog.Status, 0, len(statusFlags))
			for _, value := range statusFlags {
				status, ok := catalog.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q (want pending, success, or failed)", value)
				}
				statuses = append(statuses, status)
			}
			return ctx.withStore(func(cfg *config.Config, store *catalog.Store) error {
				records, err := store.ListRecords(cmd.Context(), limit, offset, statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No records")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{
						strconv.FormatInt(rec.ID, 10),
						rec.ExternalID,
						strings.ToLower(string(rec.Status)),
						strconv.FormatFloat(rec.Probability, 'f', -1, 64),
						strconv.Itoa(rec.FailedAttempts),
						ago(rec.UpdatedAt),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{
					right("ID"), left("Record"), left("Status"), right("Probability"), right("Failures"), left("Updated"),
				}, rows))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to list (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}
