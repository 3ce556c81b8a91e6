package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/analysis-progress/internal/id/uuid"
	"github.com/JakeFAU/analysis-progress/internal/simulator"
)

type simulateOptions struct {
	seedJobs    int
	failAtStage int
	noLive      bool
	noPoll      bool
}

// newSimulateCmd creates the 'simulate' subcommand, which serves a fake
// analysis service on simulator.port.
func newSimulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Runs a simulated analysis service",
		Long: `Serves POST /jobs, GET /jobs/{job_id}/status and the live progress
channel at /jobs/{job_id}/progress, stepping each job through four stages.
Seeded job ids are printed to stdout, one per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.seedJobs, "jobs", 0, "number of jobs to create at startup")
	cmd.Flags().IntVar(&opts.failAtStage, "fail-at-stage", -1, "stage index at which seeded jobs fail; -1 runs them to completion")
	cmd.Flags().BoolVar(&opts.noLive, "no-live", false, "refuse live channel handshakes")
	cmd.Flags().BoolVar(&opts.noPoll, "no-poll", false, "answer the status endpoint with 503")
	return cmd
}

func runSimulate(cmd *cobra.Command, opts simulateOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config.Simulator

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim, err := simulator.New(simulator.Config{
		StepInterval:  cfg.StepInterval,
		StepsPerStage: cfg.StepsPerStage,
		IDGen:         uuid.NewUUIDGenerator("job_"),
		Logger:        appInstance.Logger,
	})
	if err != nil {
		return fmt.Errorf("init simulator: %w", err)
	}
	defer sim.Close()
	sim.SetLiveEnabled(!opts.noLive)
	sim.SetPollEnabled(!opts.noPoll)

	var jobOpts simulator.JobOptions
	if opts.failAtStage >= 0 {
		failAt := opts.failAtStage
		jobOpts.FailAtStage = &failAt
	}
	for i := 0; i < opts.seedJobs; i++ {
		id, err := sim.CreateJob(jobOpts)
		if err != nil {
			return fmt.Errorf("seed job: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}

	return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.Port), sim.Handler(), appInstance.Logger)
}
