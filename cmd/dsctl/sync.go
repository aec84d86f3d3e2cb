package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/datasync"
	"github.com/sotplane/datasync/internal/progress"
)

type syncOptions struct {
	datasync.Options
	all         bool
	concurrency int
	json        bool
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var so syncOptions

	cmd := &cobra.Command{
		Use:   "sync [NAME...]",
		Short: "Synchronize repositories once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if so.all == (len(args) > 0) {
				return errors.New("either repository names or --all must be given")
			}

			ctx := cmd.Context()
			env, err := opts.open(ctx, true)
			if err != nil {
				return err
			}
			defer env.close()

			engine, err := env.engine(ctx)
			if err != nil {
				return err
			}

			names := args
			if so.all {
				repos, err := env.db.ListRepositories(ctx)
				if err != nil {
					return err
				}
				names = names[:0]
				for _, repo := range repos {
					names = append(names, repo.Name)
				}
			}

			bar := progress.New(opts.progress, "synchronizing")
			bar.AddMax(len(names))

			outcomes := make([]*datasync.Outcome, len(names))
			g, ctx := errgroup.WithContext(ctx)
			g.SetLimit(max(so.concurrency, 1))
			for i, name := range names {
				g.Go(func() error {
					defer bar.Add(1)
					out, err := engine.Sync(ctx, name, so.Options)
					if err != nil {
						return fmt.Errorf("sync %s: %w", name, err)
					}
					outcomes[i] = out
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			bar.Finish()

			w := cmd.OutOrStdout()
			if so.json {
				if err := writeJSON(w, outcomes); err != nil {
					return err
				}
			} else {
				for _, out := range outcomes {
					if err := renderOutcome(w, out); err != nil {
						return err
					}
				}
			}

			var failed int
			for _, out := range outcomes {
				if out.Status == datasync.StatusFailure {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d syncs failed", failed, len(outcomes))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&so.DryRun, "dry-run", false, "report what would change without writing anything")
	flags.BoolVar(&so.Force, "force", false, "reload the repository even if its head did not move")
	flags.BoolVar(&so.all, "all", false, "synchronize every stored repository")
	flags.IntVar(&so.concurrency, "concurrency", 4, "number of repositories synchronized at once")
	flags.BoolVar(&so.json, "json", false, "print outcomes as JSON")
	return cmd
}

func renderOutcome(w io.Writer, out *datasync.Outcome) error {
	head := out.Head
	if out.Fetched != "" && out.Fetched != out.Head {
		head = out.Fetched
	}
	fmt.Fprintf(w, "%s: %s (%s) at %s, %d created, %d updated, %d deleted\n",
		out.Repository, out.Status, out.State, shortHash(head),
		out.Count(database.ActionCreated), out.Count(database.ActionUpdated), out.Count(database.ActionDeleted))
	return renderEntries(w, out.Log)
}

func renderEntries(w io.Writer, entries []database.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Seq", "Grouping", "Level", "Message"})
	for _, e := range entries {
		if err := table.Append([]string{strconv.FormatInt(e.Seq, 10), e.Grouping, e.Level, e.Message}); err != nil {
			return err
		}
	}
	return table.Render()
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	if h == "" {
		return "-"
	}
	return h
}
