package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/analysis-progress/internal/storage/postgres"
	"github.com/JakeFAU/analysis-progress/internal/store"
)

type historyOptions struct {
	status string
	limit  int
	offset int
}

// newHistoryCmd creates the 'history' subcommand, which reads the job runs
// recorded by 'watch' when store.dsn is set.
func newHistoryCmd() *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history [job_id]",
		Short: "Lists tracked job runs from the history store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			dsn := appInstance.Config.Store.DSN
			if dsn == "" {
				return errors.New("store.dsn is not configured")
			}
			history, err := postgres.NewHistoryStore(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("init history store: %w", err)
			}
			defer history.Close()
			return runHistory(cmd.Context(), cmd.OutOrStdout(), history, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.status, "status", "", "filter by status: running, success or error")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "maximum rows to list")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "rows to skip")
	return cmd
}

func runHistory(ctx context.Context, w io.Writer, repo store.HistoryRepository, args []string, opts historyOptions) error {
	var runs []store.JobRun
	if len(args) == 1 {
		run, err := repo.GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("job %s: %w", args[0], err)
		}
		runs = append(runs, run)
	} else {
		if opts.limit <= 0 {
			return errors.New("--limit must be > 0")
		}
		var status *store.JobRunStatus
		if opts.status != "" {
			s := store.JobRunStatus(opts.status)
			switch s {
			case store.RunRunning, store.RunSuccess, store.RunError:
			default:
				return fmt.Errorf("unknown status %q", opts.status)
			}
			status = &s
		}
		var err error
		runs, err = repo.ListJobs(ctx, status, opts.limit, opts.offset)
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tPROGRESS\tBACKEND\tSTARTED\tFINISHED\tERROR")
	for _, run := range runs {
		finished := "-"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if run.ErrorMessage != nil {
			errMsg = *run.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\t%s\n",
			run.JobID, run.Status, run.Progress, run.Backend,
			run.StartedAt.UTC().Format(time.RFC3339), finished, errMsg)
	}
	return tw.Flush()
}
