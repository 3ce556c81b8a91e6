package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	remaining := 30 * time.Second
	batch := []progress.ViewModel{
		{JobID: "job-1", Status: progress.StatusProcessing, Progress: 40, Backend: progress.BackendLive,
			ConnectionQuality: progress.QualityGood, TimeRemaining: &remaining},
		{JobID: "job-1", Status: progress.StatusError, Progress: 40, Backend: progress.BackendNone,
			ConnectionQuality: progress.QualityNone, ErrorMessage: "Report synthesis failed"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()
	require.Equal(t, "job-1", first["job_id"])
	require.Equal(t, int64(40), first["progress"])
	require.Equal(t, "live", first["backend"])
	require.Equal(t, remaining, first["remaining"])
	require.NotContains(t, first, "error_message")

	second := entries[1].ContextMap()
	require.Equal(t, "Report synthesis failed", second["error_message"])
	require.NotContains(t, second, "remaining")
}
