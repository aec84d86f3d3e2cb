package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sotplane/datasync/internal/database"
)

func newLogCommand(opts *rootOptions) *cobra.Command {
	var (
		id     int64
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "log [NAME]",
		Short: "Show stored sync results, or the log of one result with --id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (id != 0) == (len(args) == 1) {
				return errors.New("either a repository name or --id must be given")
			}

			ctx := cmd.Context()
			env, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer env.close()

			w := cmd.OutOrStdout()

			if id != 0 {
				result, err := env.db.GetSyncResult(ctx, id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, result)
				}
				fmt.Fprintf(w, "%s #%d: %s (%s) %s -> %s\n", result.RepositoryName, result.ID, result.Status, result.State,
					shortHash(result.PreviousHead), shortHash(result.Head))
				return renderEntries(w, result.Entries)
			}

			results, err := env.db.ListSyncResults(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(w, results)
			}
			return renderResults(w, results)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&id, "id", 0, "show the log entries of this sync result")
	flags.IntVar(&limit, "limit", 20, "number of results to list (0 lists all)")
	flags.BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func renderResults(w io.Writer, results []*database.SyncResult) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Started", "Duration", "Dry Run", "Status", "State", "Head"})
	for _, r := range results {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.StartedAt.Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			strconv.FormatBool(r.DryRun),
			r.Status,
			r.State,
			shortHash(r.Head),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
