// Package simulator is an in-process stand-in for the analysis service. It
// runs fake multi-stage jobs and exposes the same live channel and status
// endpoint the sync client consumes, which makes it useful for demos and for
// end-to-end tests of the fallback path.
package simulator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/metrics"
	"github.com/JakeFAU/analysis-progress/internal/progress"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// DefaultStages mirrors the four phases of a competitive analysis.
func DefaultStages() []progress.StageDescriptor {
	return []progress.StageDescriptor{
		{ID: "visual_analysis", Title: "Visual analysis", EstimatedDuration: 30},
		{ID: "competitor_discovery", Title: "Competitor discovery", EstimatedDuration: 45},
		{ID: "market_positioning", Title: "Market positioning", EstimatedDuration: 20},
		{ID: "report_synthesis", Title: "Report synthesis", EstimatedDuration: 15},
	}
}

// Config controls job pacing.
type Config struct {
	// StepInterval is the delay between consecutive progress events.
	StepInterval  time.Duration
	StepsPerStage int
	Stages        []progress.StageDescriptor
	IDGen         IDGenerator
	Logger        *zap.Logger
}

const (
	defaultStepInterval  = time.Second
	defaultStepsPerStage = 4
	subscriberBuffer     = 16
)

// JobOptions customizes one simulated job.
type JobOptions struct {
	// FailAtStage makes the job report status error when it reaches that
	// stage index. Nil runs the job to completion.
	FailAtStage *int
}

// Simulator owns all simulated jobs.
type Simulator struct {
	cfg    Config
	logger *zap.Logger

	liveEnabled atomic.Bool
	pollEnabled atomic.Bool

	mu     sync.Mutex
	jobs   map[string]*job
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New constructs a Simulator. Both endpoints start enabled.
func New(cfg Config) (*Simulator, error) {
	if cfg.IDGen == nil {
		return nil, errors.New("simulator id generator is required")
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = defaultStepInterval
	}
	if cfg.StepsPerStage <= 0 {
		cfg.StepsPerStage = defaultStepsPerStage
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Simulator{
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(map[string]*job),
		stopCh: make(chan struct{}),
	}
	s.liveEnabled.Store(true)
	s.pollEnabled.Store(true)
	return s, nil
}

// SetLiveEnabled toggles the live channel. While disabled, handshakes are
// refused with 503 and open channels are dropped.
func (s *Simulator) SetLiveEnabled(enabled bool) {
	s.liveEnabled.Store(enabled)
	if enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.dropSubscribers()
	}
}

// SetPollEnabled toggles the status endpoint; while disabled it answers 503.
func (s *Simulator) SetPollEnabled(enabled bool) {
	s.pollEnabled.Store(enabled)
}

// CreateJob starts a new job and returns its id.
func (s *Simulator) CreateJob(opts JobOptions) (string, error) {
	id, err := s.cfg.IDGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	failAt := -1
	if opts.FailAtStage != nil {
		failAt = *opts.FailAtStage
	}
	j := newJob(id, s.cfg.Stages, s.cfg.StepsPerStage, failAt)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("simulator closed")
	}
	s.jobs[id] = j
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.ObserveJob("created")
	s.logger.Info("simulated job created", zap.String("job_id", id))
	go s.run(j)
	return id, nil
}

// Status returns the latest event for jobID.
func (s *Simulator) Status(jobID string) (progress.Event, error) {
	j, ok := s.job(jobID)
	if !ok {
		return progress.Event{}, ErrJobNotFound
	}
	return j.current(), nil
}

// Subscribe returns the latest event plus a channel of subsequent ones. The
// channel is closed when the job finishes, the live channel is disabled, or
// cancel is called.
func (s *Simulator) Subscribe(jobID string) (progress.Event, <-chan progress.Event, func(), error) {
	j, ok := s.job(jobID)
	if !ok {
		return progress.Event{}, nil, nil, ErrJobNotFound
	}
	evt, ch, cancel := j.subscribe()
	return evt, ch, cancel, nil
}

// Close stops every job goroutine.
func (s *Simulator) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Simulator) job(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Simulator) run(j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			j.dropSubscribers()
			return
		case <-ticker.C:
			evt := j.advance()
			if evt.Status.Terminal() {
				metrics.ObserveJob(string(evt.Status))
				s.logger.Info("simulated job finished",
					zap.String("job_id", j.id), zap.String("status", string(evt.Status)))
				return
			}
		}
	}
}

// job is one simulated analysis. Steps are numbered 0..total; step 0 starts
// processing and step total is the completed event.
type job struct {
	id            string
	stages        []progress.StageDescriptor
	stepsPerStage int
	failAt        int

	mu      sync.Mutex
	step    int
	started time.Time
	evt     progress.Event
	subs    map[chan progress.Event]struct{}
}

func newJob(id string, stages []progress.StageDescriptor, stepsPerStage, failAt int) *job {
	j := &job{
		id:            id,
		stages:        append([]progress.StageDescriptor(nil), stages...),
		stepsPerStage: stepsPerStage,
		failAt:        failAt,
		step:          -1,
		subs:          make(map[chan progress.Event]struct{}),
	}
	j.evt = progress.Event{
		JobID:  id,
		Status: progress.StatusQueued,
		Stages: j.stagesCopy(),
	}
	return j
}

func (j *job) total() int {
	return len(j.stages) * j.stepsPerStage
}

func (j *job) current() progress.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cloneEvent()
}

// advance moves the job one step forward and notifies subscribers.
func (j *job) advance() progress.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.evt.Status.Terminal() {
		return j.cloneEvent()
	}
	now := time.Now()
	if j.step < 0 {
		j.started = now
	}
	j.step++
	j.evt = j.eventAt(j.step, now.Sub(j.started))

	for ch := range j.subs {
		select {
		case ch <- j.cloneEvent():
		default:
			// Slow reader: every event is a full snapshot, so dropping one is safe.
		}
		if j.evt.Status.Terminal() {
			close(ch)
			delete(j.subs, ch)
		}
	}
	return j.cloneEvent()
}

func (j *job) eventAt(step int, elapsed time.Duration) progress.Event {
	total := j.total()
	if step > total {
		step = total
	}
	stage := 0
	stageProgress := 0
	if step > 0 {
		stage = (step - 1) / j.stepsPerStage
		stageProgress = ((step-1)%j.stepsPerStage + 1) * 100 / j.stepsPerStage
	}
	evt := progress.Event{
		JobID:             j.id,
		OverallProgress:   step * 100 / total,
		CurrentStageIndex: stage,
		StageProgress:     stageProgress,
		Status:            progress.StatusProcessing,
		ElapsedSeconds:    progress.Seconds(elapsed.Seconds()),
		Stages:            j.stagesCopy(),
		CurrentStepName:   progress.String(j.stages[stage].Title),
		CurrentSubstep:    progress.String("starting"),
	}
	if step > 0 {
		evt.CurrentSubstep = progress.String(fmt.Sprintf("step %d of %d", (step-1)%j.stepsPerStage+1, j.stepsPerStage))
	}
	switch {
	case j.failAt >= 0 && step > j.failAt*j.stepsPerStage:
		evt.Status = progress.StatusError
		evt.ErrorMessage = progress.String(j.stages[stage].Title + " failed")
	case step == total:
		evt.Status = progress.StatusCompleted
		evt.CurrentStageIndex = len(j.stages) - 1
		evt.StageProgress = 100
		evt.RemainingSeconds = progress.Seconds(0)
	default:
		evt.RemainingSeconds = progress.Seconds(j.remaining(stage, stageProgress))
	}
	return evt
}

// remaining estimates seconds left from the stage estimates.
func (j *job) remaining(stage, stageProgress int) float64 {
	left := float64(j.stages[stage].EstimatedDuration) * float64(100-stageProgress) / 100
	for _, st := range j.stages[stage+1:] {
		left += float64(st.EstimatedDuration)
	}
	return left
}

func (j *job) subscribe() (progress.Event, <-chan progress.Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ch := make(chan progress.Event, subscriberBuffer)
	evt := j.cloneEvent()
	if evt.Status.Terminal() {
		close(ch)
		return evt, ch, func() {}
	}
	j.subs[ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if _, ok := j.subs[ch]; ok {
				delete(j.subs, ch)
				close(ch)
			}
		})
	}
	return evt, ch, cancel
}

func (j *job) dropSubscribers() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for ch := range j.subs {
		close(ch)
		delete(j.subs, ch)
	}
}

func (j *job) stagesCopy() []progress.StageDescriptor {
	return append([]progress.StageDescriptor(nil), j.stages...)
}

func (j *job) cloneEvent() progress.Event {
	evt := j.evt
	evt.Stages = j.stagesCopy()
	return evt
}
