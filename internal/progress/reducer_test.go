package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestReducer() (*Reducer, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewReducer(clk), clk
}

func testStages() []StageDescriptor {
	return []StageDescriptor{
		{ID: "visual", Title: "Visual analysis", EstimatedDuration: 30},
		{ID: "competitors", Title: "Competitor discovery", EstimatedDuration: 45},
		{ID: "positioning", Title: "Market positioning", EstimatedDuration: 20},
		{ID: "report", Title: "Report synthesis", EstimatedDuration: 10},
	}
}

func processing(jobID string, overall, stage int) Event {
	return Event{
		JobID:             jobID,
		OverallProgress:   overall,
		CurrentStageIndex: stage,
		StageProgress:     50,
		Status:            StatusProcessing,
	}
}

// TestReducerHappyPath folds 0, 20, 55, 100 into a completed view model.
func TestReducerHappyPath(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	first := processing("job-1", 0, 0)
	first.Stages = testStages()
	_, ok := r.Apply(first)
	require.True(t, ok)
	_, ok = r.Apply(processing("job-1", 20, 1))
	require.True(t, ok)
	_, ok = r.Apply(processing("job-1", 55, 2))
	require.True(t, ok)
	vm, ok := r.Apply(Event{JobID: "job-1", OverallProgress: 100, CurrentStageIndex: 3, StageProgress: 100, Status: StatusCompleted})
	require.True(t, ok)

	require.Equal(t, 100, vm.Progress)
	require.Equal(t, StatusCompleted, vm.Status)
	require.Equal(t, []int{0, 1, 2, 3}, vm.CompletedSteps)
	require.Len(t, vm.Stages, 4)
	require.Equal(t, 100, vm.StagePercent(3))
}

// TestReducerProgressMonotonic ensures progress never moves backwards for one job.
func TestReducerProgressMonotonic(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	last := 0
	for _, p := range []int{5, 30, 25, 60, 10, 60, 61} {
		vm, ok := r.Apply(processing("job-1", p, 1))
		require.True(t, ok)
		require.GreaterOrEqual(t, vm.Progress, last)
		last = vm.Progress
	}
	require.Equal(t, 61, last)
}

// TestReducerQueuedProgressNotClamped allows queued snapshots to move freely.
func TestReducerQueuedProgressNotClamped(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	_, _ = r.Apply(Event{JobID: "job-1", OverallProgress: 10, Status: StatusQueued})
	vm, ok := r.Apply(processing("job-1", 2, 0))
	require.True(t, ok)
	require.Equal(t, 2, vm.Progress)
}

// TestReducerResetOnNewJobID verifies a job restart drops all prior job state.
func TestReducerResetOnNewJobID(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	_, _ = r.SetConnection(true, QualityGood)
	first := processing("job-1", 80, 3)
	first.Stages = testStages()
	_, _ = r.Apply(first)
	_, _ = r.Apply(Event{JobID: "job-1", OverallProgress: 100, CurrentStageIndex: 3, Status: StatusCompleted})

	vm, ok := r.Apply(processing("job-2", 5, 0))
	require.True(t, ok)
	require.Equal(t, "job-2", vm.JobID)
	require.Equal(t, 5, vm.Progress)
	require.Equal(t, StatusProcessing, vm.Status)
	require.Empty(t, vm.CompletedSteps)
	require.Empty(t, vm.Stages)
	require.True(t, vm.IsConnected)
	require.Equal(t, QualityGood, vm.ConnectionQuality)
}

// TestReducerStagesCachedOnce keeps the first stage list even if a later event carries another.
func TestReducerStagesCachedOnce(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	first := processing("job-1", 10, 0)
	first.Stages = testStages()
	_, _ = r.Apply(first)

	second := processing("job-1", 20, 1)
	second.Stages = []StageDescriptor{{ID: "other", Title: "Other"}}
	vm, _ := r.Apply(second)
	require.Equal(t, testStages(), vm.Stages)
}

// TestReducerCompletedStepsDerived recomputes completed steps from the current stage.
func TestReducerCompletedStepsDerived(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	vm, _ := r.Apply(processing("job-1", 40, 2))
	require.Equal(t, []int{0, 1}, vm.CompletedSteps)
	require.True(t, vm.IsStepCompleted(1))
	require.False(t, vm.IsStepCompleted(2))
	require.Equal(t, 50, vm.StagePercent(2))
	require.Equal(t, 0, vm.StagePercent(3))
}

// TestReducerTerminalIgnoresStaleEvents ensures completed and error states are not resurrected.
func TestReducerTerminalIgnoresStaleEvents(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	_, _ = r.Apply(Event{JobID: "job-1", OverallProgress: 40, CurrentStageIndex: 1, Status: StatusError, ErrorMessage: String("model timeout")})

	vm, ok := r.Apply(processing("job-1", 50, 2))
	require.False(t, ok)
	require.Equal(t, StatusError, vm.Status)
	require.Equal(t, "model timeout", vm.ErrorMessage)

	resumed := processing("job-1", 45, 2)
	resumed.Resumed = true
	vm, ok = r.Apply(resumed)
	require.True(t, ok)
	require.Equal(t, StatusProcessing, vm.Status)
	require.Equal(t, 45, vm.Progress)
	require.Empty(t, vm.ErrorMessage)

	_, _ = r.Apply(Event{JobID: "job-1", OverallProgress: 100, CurrentStageIndex: 3, Status: StatusCompleted})
	resumed.OverallProgress = 99
	vm, ok = r.Apply(resumed)
	require.False(t, ok)
	require.Equal(t, StatusCompleted, vm.Status)
}

// TestReducerStatusRegressionIgnored keeps processing when a queued snapshot arrives late.
func TestReducerStatusRegressionIgnored(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	_, _ = r.Apply(processing("job-1", 10, 0))
	vm, ok := r.Apply(Event{JobID: "job-1", Status: StatusQueued})
	require.True(t, ok)
	require.Equal(t, StatusProcessing, vm.Status)
	require.Equal(t, 10, vm.Progress)
}

// TestReducerTiming passes timing through and only extrapolates elapsed time.
func TestReducerTiming(t *testing.T) {
	t.Parallel()

	r, clk := newTestReducer()
	evt := processing("job-1", 10, 0)
	evt.ElapsedSeconds = Seconds(12)
	evt.RemainingSeconds = Seconds(90)
	vm, _ := r.Apply(evt)
	require.Equal(t, 12*time.Second, vm.ElapsedTime)
	require.NotNil(t, vm.TimeRemaining)
	require.Equal(t, 90*time.Second, *vm.TimeRemaining)

	clk.Advance(3 * time.Second)
	vm, _ = r.Apply(processing("job-1", 15, 0))
	require.Equal(t, 15*time.Second, vm.ElapsedTime)
	require.Nil(t, vm.TimeRemaining)

	clk.Advance(2 * time.Second)
	vm, changed := r.Tick()
	require.True(t, changed)
	require.Equal(t, 17*time.Second, vm.ElapsedTime)
	require.Nil(t, vm.TimeRemaining)
}

// TestReducerTickIdleWhenNotProcessing verifies extrapolation stops at terminal states.
func TestReducerTickIdleWhenNotProcessing(t *testing.T) {
	t.Parallel()

	r, clk := newTestReducer()
	evt := Event{JobID: "job-1", OverallProgress: 100, Status: StatusCompleted, ElapsedSeconds: Seconds(60)}
	_, _ = r.Apply(evt)
	clk.Advance(time.Minute)
	vm, changed := r.Tick()
	require.False(t, changed)
	require.Equal(t, time.Minute, vm.ElapsedTime)
}

// TestReducerConnectionErrors covers set/clear semantics for connection errors.
func TestReducerConnectionErrors(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	_, _ = r.Apply(processing("job-1", 30, 1))
	vm, changed := r.SetError(ErrFatalConnection.Error())
	require.True(t, changed)
	require.Equal(t, StatusProcessing, vm.Status)
	require.Equal(t, ErrFatalConnection.Error(), vm.ErrorMessage)

	vm, _ = r.Apply(processing("job-1", 35, 1))
	require.Empty(t, vm.ErrorMessage)

	_, _ = r.SetError("boom")
	vm, changed = r.ClearError()
	require.True(t, changed)
	require.Empty(t, vm.ErrorMessage)
}

// TestReducerDisconnectForcesQualityNone keeps quality consistent with connectivity.
func TestReducerDisconnectForcesQualityNone(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	vm, changed := r.SetConnection(false, QualityGood)
	require.False(t, changed)
	require.Equal(t, QualityNone, vm.ConnectionQuality)

	vm, changed = r.SetConnection(true, QualityPoor)
	require.True(t, changed)
	require.True(t, vm.IsConnected)
	require.Equal(t, QualityPoor, vm.ConnectionQuality)
}

// TestReducerSnapshotsAreIsolated ensures callers cannot mutate reducer state.
func TestReducerSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	evt := processing("job-1", 50, 2)
	evt.Stages = testStages()
	vm, _ := r.Apply(evt)
	vm.Stages[0].Title = "mutated"
	vm.CompletedSteps[0] = 42

	fresh := r.Snapshot()
	require.Equal(t, "Visual analysis", fresh.Stages[0].Title)
	require.Equal(t, []int{0, 1}, fresh.CompletedSteps)
}

// TestReducerDiscardsInvalidEvents ignores payloads that fail validation.
func TestReducerDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer()
	_, ok := r.Apply(Event{JobID: "job-1", OverallProgress: 140, Status: StatusProcessing})
	require.False(t, ok)
	require.Equal(t, StatusQueued, r.Snapshot().Status)
}
