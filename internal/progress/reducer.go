package progress

import "time"

// Clock abstracts time for elapsed-time extrapolation.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

const defaultErrorMessage = "analysis failed"

// Reducer folds ordered progress events and connection notifications into a
// single ViewModel. It is not safe for concurrent use; exactly one goroutine
// must own it.
type Reducer struct {
	clock Clock
	vm    ViewModel

	stagesCached bool
	hasElapsed   bool
	elapsedBase  time.Duration
	elapsedAt    time.Time
}

// NewReducer returns a Reducer in the initial (queued, disconnected) state.
func NewReducer(clock Clock) *Reducer {
	if clock == nil {
		clock = wallClock{}
	}
	return &Reducer{clock: clock, vm: initialViewModel()}
}

// Snapshot returns a copy of the current ViewModel.
func (r *Reducer) Snapshot() ViewModel {
	return r.vm.Clone()
}

// Begin resets the reducer for tracking jobID. Connection fields are kept.
func (r *Reducer) Begin(jobID string) ViewModel {
	r.reset()
	r.vm.JobID = jobID
	r.vm.UpdatedAt = r.clock.Now()
	return r.Snapshot()
}

// Apply folds evt into the ViewModel. The boolean is false when the event was
// discarded: invalid payloads, and stale events for a job already in a
// terminal state (unless the server marks the job as resumed after an error).
func (r *Reducer) Apply(evt Event) (ViewModel, bool) {
	if err := evt.Validate(); err != nil {
		return r.Snapshot(), false
	}
	if r.vm.JobID != "" && evt.JobID != r.vm.JobID {
		r.reset()
	}
	prev := r.vm
	if prev.Status.Terminal() && prev.JobID == evt.JobID {
		if prev.Status != StatusError || !evt.Resumed {
			return r.Snapshot(), false
		}
	}

	now := r.clock.Now()
	next := prev
	next.JobID = evt.JobID
	next.Status = nextStatus(prev.Status, evt)

	next.Progress = evt.OverallProgress
	if prev.Status != StatusQueued && prev.Progress > evt.OverallProgress {
		next.Progress = prev.Progress
	}
	next.CurrentStage = evt.CurrentStageIndex
	next.StageProgress = evt.StageProgress
	next.CurrentStepName = deref(evt.CurrentStepName)
	next.CurrentSubstep = deref(evt.CurrentSubstep)

	if !r.stagesCached && len(evt.Stages) > 0 {
		next.Stages = append([]StageDescriptor(nil), evt.Stages...)
		r.stagesCached = true
	}

	switch {
	case evt.ElapsedSeconds != nil:
		next.ElapsedTime = secondsToDuration(*evt.ElapsedSeconds)
		r.elapsedBase = next.ElapsedTime
		r.elapsedAt = now
		r.hasElapsed = true
	case r.hasElapsed:
		next.ElapsedTime = r.elapsedBase + now.Sub(r.elapsedAt)
	}

	next.TimeRemaining = nil
	if evt.RemainingSeconds != nil {
		remaining := secondsToDuration(*evt.RemainingSeconds)
		next.TimeRemaining = &remaining
	}

	// A delivered event proves the channel works, so connection errors clear.
	next.ErrorMessage = ""
	if next.Status == StatusError {
		next.ErrorMessage = deref(evt.ErrorMessage)
		if next.ErrorMessage == "" {
			next.ErrorMessage = defaultErrorMessage
		}
	}

	next.CompletedSteps = completedSteps(next)
	next.UpdatedAt = now
	r.vm = next
	return r.Snapshot(), true
}

// SetConnection records the channel state reported by a backend.
func (r *Reducer) SetConnection(connected bool, quality Quality) (ViewModel, bool) {
	if !connected {
		quality = QualityNone
	}
	if r.vm.IsConnected == connected && r.vm.ConnectionQuality == quality {
		return r.Snapshot(), false
	}
	r.vm.IsConnected = connected
	r.vm.ConnectionQuality = quality
	r.vm.UpdatedAt = r.clock.Now()
	return r.Snapshot(), true
}

// SetBackend records which transport is active.
func (r *Reducer) SetBackend(b Backend) (ViewModel, bool) {
	if r.vm.Backend == b {
		return r.Snapshot(), false
	}
	r.vm.Backend = b
	r.vm.UpdatedAt = r.clock.Now()
	return r.Snapshot(), true
}

// SetError surfaces a fatal connection or rejection message. The job status
// is left untouched.
func (r *Reducer) SetError(msg string) (ViewModel, bool) {
	if r.vm.ErrorMessage == msg {
		return r.Snapshot(), false
	}
	r.vm.ErrorMessage = msg
	r.vm.UpdatedAt = r.clock.Now()
	return r.Snapshot(), true
}

// ClearError dismisses the current error message. A server-reported job
// error stays visible because it describes the job, not the connection.
func (r *Reducer) ClearError() (ViewModel, bool) {
	if r.vm.ErrorMessage == "" || r.vm.Status == StatusError {
		return r.Snapshot(), false
	}
	return r.SetError("")
}

// Tick extrapolates elapsed time from the local clock while the job is
// processing. Remaining time is never extrapolated.
func (r *Reducer) Tick() (ViewModel, bool) {
	if r.vm.Status != StatusProcessing || !r.hasElapsed {
		return r.Snapshot(), false
	}
	now := r.clock.Now()
	elapsed := r.elapsedBase + now.Sub(r.elapsedAt)
	if elapsed <= r.vm.ElapsedTime {
		return r.Snapshot(), false
	}
	r.vm.ElapsedTime = elapsed
	r.vm.UpdatedAt = now
	return r.Snapshot(), true
}

func (r *Reducer) reset() {
	prev := r.vm
	r.vm = initialViewModel()
	r.vm.IsConnected = prev.IsConnected
	r.vm.ConnectionQuality = prev.ConnectionQuality
	r.vm.Backend = prev.Backend
	r.stagesCached = false
	r.hasElapsed = false
	r.elapsedBase = 0
	r.elapsedAt = time.Time{}
}

func nextStatus(cur Status, evt Event) Status {
	if cur == StatusError && evt.Resumed {
		return evt.Status
	}
	if evt.Status.rank() < cur.rank() {
		return cur
	}
	return evt.Status
}

func completedSteps(vm ViewModel) []int {
	n := vm.CurrentStage
	if vm.Status == StatusCompleted {
		n = len(vm.Stages)
		if n == 0 {
			n = vm.CurrentStage + 1
		}
	}
	steps := make([]int, 0, n)
	for i := 0; i < n; i++ {
		steps = append(steps, i)
	}
	return steps
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
