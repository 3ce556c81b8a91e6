package progress

import "time"

// Quality is the client's assessment of the live channel.
type Quality string

// Supported connection qualities.
const (
	QualityGood Quality = "good"
	QualityPoor Quality = "poor"
	QualityNone Quality = "none"
)

// ViewModel is the presentation-ready state of one tracked job. Values handed
// out by the Reducer are snapshots; their slices are never shared with the
// Reducer or with other consumers.
type ViewModel struct {
	JobID             string
	IsConnected       bool
	ConnectionQuality Quality
	Backend           Backend

	// Progress is the overall percentage; it never decreases for one job id
	// once the job has left the queue.
	Progress        int
	CurrentStage    int
	StageProgress   int
	CurrentStepName string
	CurrentSubstep  string
	Status          Status
	ElapsedTime     time.Duration
	// TimeRemaining is nil when the server sent no estimate.
	TimeRemaining *time.Duration
	Stages        []StageDescriptor
	// CompletedSteps holds sorted stage indices.
	CompletedSteps []int
	ErrorMessage   string
	UpdatedAt      time.Time
}

func initialViewModel() ViewModel {
	return ViewModel{
		ConnectionQuality: QualityNone,
		Backend:           BackendNone,
		Status:            StatusQueued,
	}
}

// Clone returns a deep copy of vm.
func (vm ViewModel) Clone() ViewModel {
	out := vm
	if vm.Stages != nil {
		out.Stages = append([]StageDescriptor(nil), vm.Stages...)
	}
	if vm.CompletedSteps != nil {
		out.CompletedSteps = append([]int(nil), vm.CompletedSteps...)
	}
	if vm.TimeRemaining != nil {
		remaining := *vm.TimeRemaining
		out.TimeRemaining = &remaining
	}
	return out
}

// Terminal reports whether the job reached completed or error.
func (vm ViewModel) Terminal() bool {
	return vm.Status.Terminal()
}

// Degraded reports whether updates arrive over a degraded path: polling, or a
// live channel with poor heartbeat quality.
func (vm ViewModel) Degraded() bool {
	return vm.Backend == BackendPoll || vm.ConnectionQuality == QualityPoor
}

// IsStepCompleted reports whether stage index i is done.
func (vm ViewModel) IsStepCompleted(i int) bool {
	for _, idx := range vm.CompletedSteps {
		if idx == i {
			return true
		}
	}
	return false
}

// StagePercent returns the completion percentage of stage i.
func (vm ViewModel) StagePercent(i int) int {
	switch {
	case vm.IsStepCompleted(i):
		return 100
	case i == vm.CurrentStage:
		return vm.StageProgress
	default:
		return 0
	}
}

// StageCount returns the number of known stages.
func (vm ViewModel) StageCount() int {
	return len(vm.Stages)
}
