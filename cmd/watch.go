package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/metrics"
	"github.com/JakeFAU/analysis-progress/internal/progress"
	"github.com/JakeFAU/analysis-progress/internal/progress/sinks"
	"github.com/JakeFAU/analysis-progress/internal/progresssync"
	"github.com/JakeFAU/analysis-progress/internal/storage/postgres"
)

// newWatchCmd creates the 'watch' subcommand, which follows one job until it
// finishes and prints every visible change.
func newWatchCmd() *cobra.Command {
	var retryAfter time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Follows one analysis job until it finishes",
		Long: `Tracks a job over the live channel, falling back to the status endpoint
when the channel degrades. Each visible change is printed on its own line.
The command exits non-zero if the job fails or the server rejects it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], retryAfter)
		},
	}
	cmd.Flags().DurationVar(&retryAfter, "retry-after", 10*time.Second,
		"delay before retrying once both backends have failed; 0 gives up instead")
	return cmd
}

func runWatch(cmd *cobra.Command, jobID string, retryAfter time.Duration) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger.With(zap.String("job_id", jobID))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinkList, closeStore, err := buildSinks(ctx, appInstance)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := progress.NewHub(progress.HubConfig{Logger: appInstance.Logger}, sinkList...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("failed to flush progress sinks", zap.Error(err))
		}
	}()

	if addr := appInstance.Config.Metrics.Addr; addr != "" {
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveHTTP(metricsCtx, addr, metrics.Handler(), appInstance.Logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			cancelMetrics()
			wg.Wait()
		}()
	}

	client := progresssync.New(
		appInstance.Config.SyncClientConfig(appInstance.Logger),
		progresssync.WithObserver(hub),
	)
	defer client.Disconnect()

	out := &printer{w: cmd.OutOrStdout()}
	result := make(chan progress.ViewModel, 1)
	var retryPending atomic.Bool
	unsubscribe := client.Subscribe(func(vm progress.ViewModel) {
		out.print(vm)
		switch classify(vm) {
		case outcomePending:
		case outcomeLost:
			if retryAfter <= 0 {
				deliver(result, vm)
				return
			}
			if retryPending.CompareAndSwap(false, true) {
				logger.Warn("analysis service unreachable; retrying", zap.Duration("after", retryAfter))
				time.AfterFunc(retryAfter, func() {
					retryPending.Store(false)
					client.Retry()
				})
			}
		default:
			deliver(result, vm)
		}
	})
	defer unsubscribe()

	if err := client.Track(ctx, jobID, nil); err != nil {
		return fmt.Errorf("track job: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("watch interrupted")
		return nil
	case vm := <-result:
		return finalError(vm)
	}
}

func buildSinks(ctx context.Context, appInstance *App) ([]progress.Sink, func(), error) {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	list := []progress.Sink{sinks.NewLogSink(appInstance.Logger), promSink}

	dsn := appInstance.Config.Store.DSN
	if dsn == "" {
		return list, func() {}, nil
	}
	history, err := postgres.NewHistoryStore(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("init history store: %w", err)
	}
	if err := history.EnsureSchema(ctx); err != nil {
		history.Close()
		return nil, nil, err
	}
	list = append(list, sinks.NewStoreSink(history, appInstance.Logger))
	return list, history.Close, nil
}

func deliver(ch chan<- progress.ViewModel, vm progress.ViewModel) {
	select {
	case ch <- vm:
	default:
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCompleted
	outcomeJobError
	outcomeRejected
	outcomeLost
)

// classify maps a snapshot to what the watch loop should do next.
func classify(vm progress.ViewModel) outcome {
	switch {
	case vm.Status == progress.StatusCompleted:
		return outcomeCompleted
	case vm.Status == progress.StatusError:
		return outcomeJobError
	case vm.ErrorMessage == "":
		return outcomePending
	case vm.ErrorMessage == progress.ErrFatalConnection.Error():
		return outcomeLost
	default:
		return outcomeRejected
	}
}

func finalError(vm progress.ViewModel) error {
	switch classify(vm) {
	case outcomeCompleted:
		return nil
	case outcomeJobError:
		return fmt.Errorf("job %s failed: %s", vm.JobID, vm.ErrorMessage)
	case outcomeLost:
		return progress.ErrFatalConnection
	default:
		return errors.New(vm.ErrorMessage)
	}
}

// printer writes one line per visible change. Elapsed time is left out so
// local ticks do not repeat the line.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (p *printer) print(vm progress.ViewModel) {
	line := formatViewModel(vm)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.w, line)
}

func formatViewModel(vm progress.ViewModel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%3d%% %-10s", vm.Progress, vm.Status)
	if n := vm.StageCount(); n > 0 {
		fmt.Fprintf(&b, " stage %d/%d", vm.CurrentStage+1, n)
		if vm.CurrentStepName != "" {
			fmt.Fprintf(&b, " %s", vm.CurrentStepName)
		}
		fmt.Fprintf(&b, " (%d%%)", vm.StagePercent(vm.CurrentStage))
	}
	if vm.CurrentSubstep != "" {
		fmt.Fprintf(&b, " %s", vm.CurrentSubstep)
	}
	if vm.TimeRemaining != nil && !vm.Terminal() {
		fmt.Fprintf(&b, " eta %s", vm.TimeRemaining.Round(time.Second))
	}
	switch {
	case vm.IsConnected:
		fmt.Fprintf(&b, " [%s/%s]", vm.Backend, vm.ConnectionQuality)
	case !vm.Terminal():
		b.WriteString(" [offline]")
	}
	if vm.ErrorMessage != "" {
		fmt.Fprintf(&b, " error: %s", vm.ErrorMessage)
	}
	return b.String()
}
