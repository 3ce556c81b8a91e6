package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

// LogSink emits one structured log line per snapshot. It is useful during
// development or when no history store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each snapshot in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.ViewModel) error {
	for _, vm := range batch {
		fields := []zap.Field{
			zap.String("job_id", vm.JobID),
			zap.String("status", string(vm.Status)),
			zap.Int("progress", vm.Progress),
			zap.Int("stage", vm.CurrentStage),
			zap.Int("stage_progress", vm.StageProgress),
			zap.String("step", vm.CurrentStepName),
			zap.String("backend", string(vm.Backend)),
			zap.String("quality", string(vm.ConnectionQuality)),
			zap.Duration("elapsed", vm.ElapsedTime),
		}
		if vm.TimeRemaining != nil {
			fields = append(fields, zap.Duration("remaining", *vm.TimeRemaining))
		}
		if vm.ErrorMessage != "" {
			fields = append(fields, zap.String("error_message", vm.ErrorMessage))
		}
		s.logger.Info("progress snapshot", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
