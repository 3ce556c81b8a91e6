package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the job lifecycle state reported by the backend.
type Status string

// Supported job statuses.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further progress is expected for the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// rank orders statuses along queued -> processing -> terminal.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

// StageDescriptor describes one phase of the analysis pipeline.
type StageDescriptor struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// EstimatedDuration is the server's estimate in seconds.
	EstimatedDuration float64 `json:"estimated_duration"`
}

// Event is a full-state snapshot of a job at one instant. Pointer fields may be
// absent on the wire; nil means "not sent", which is distinct from a zero value.
type Event struct {
	// JobID is assigned at job creation and never changes for a run.
	JobID string `json:"job_id"`
	// OverallProgress is the whole-job percentage (0-100).
	OverallProgress int `json:"overall_progress"`
	// CurrentStageIndex indexes into the ordered stage list.
	CurrentStageIndex int `json:"current_stage_index"`
	// StageProgress is the percentage within the current stage only.
	StageProgress   int     `json:"stage_progress"`
	CurrentStepName *string `json:"current_step_name,omitempty"`
	CurrentSubstep  *string `json:"current_substep,omitempty"`
	Status          Status  `json:"status"`
	// ElapsedSeconds is wall time since the job started processing.
	ElapsedSeconds *float64 `json:"elapsed_seconds,omitempty"`
	// RemainingSeconds is an estimate; absence means unknown.
	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`
	// Stages is sent at most once per connection, on the first event.
	Stages       []StageDescriptor `json:"stages,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	// Resumed marks a server-side continuation of a job previously in error.
	Resumed bool `json:"resumed,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return ErrInvalidJobID
	}
	if e.OverallProgress < 0 || e.OverallProgress > 100 {
		return fmt.Errorf("overall_progress %d out of range", e.OverallProgress)
	}
	if e.StageProgress < 0 || e.StageProgress > 100 {
		return fmt.Errorf("stage_progress %d out of range", e.StageProgress)
	}
	if e.CurrentStageIndex < 0 {
		return errors.New("current_stage_index must be >= 0")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.ElapsedSeconds != nil && *e.ElapsedSeconds < 0 {
		return errors.New("elapsed_seconds must be >= 0")
	}
	if e.RemainingSeconds != nil && *e.RemainingSeconds < 0 {
		return errors.New("remaining_seconds must be >= 0")
	}
	if e.ErrorMessage != nil && e.Status != StatusError {
		return errors.New("error_message is only allowed with status error")
	}
	return nil
}

// DecodeEvent parses and validates a JSON progress message.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode progress event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, fmt.Errorf("invalid progress event: %w", err)
	}
	return evt, nil
}

// String returns a pointer to s, for building events.
func String(s string) *string {
	return &s
}

// Seconds returns a pointer to v, for building events.
func Seconds(v float64) *float64 {
	return &v
}

func secondsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
