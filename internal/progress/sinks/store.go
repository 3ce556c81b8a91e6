package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/progress"
	"github.com/JakeFAU/analysis-progress/internal/store"
)

// StoreSink persists job runs via a store.HistoryRepository. Progress updates
// within one batch are collapsed to the latest snapshot per job to reduce
// write amplification.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger

	mu       sync.Mutex
	started  map[string]bool
	finished map[string]progress.Status
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{
		repo:     repo,
		logger:   logger,
		started:  make(map[string]bool),
		finished: make(map[string]progress.Status),
	}
}

// Consume records job starts, the latest progress, and terminal outcomes. It
// respects ctx deadlines and returns any repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.ViewModel) error {
	if s == nil || s.repo == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]progress.ViewModel)
	queued := make(map[string]bool)
	var order []string
	for _, vm := range batch {
		if vm.JobID == "" {
			continue
		}
		if !s.started[vm.JobID] {
			if err := s.repo.UpsertJobStart(ctx, vm.JobID, timestamp(vm)); err != nil {
				return fmt.Errorf("upsert job start: %w", err)
			}
			s.started[vm.JobID] = true
		}
		if vm.Terminal() {
			delete(latest, vm.JobID)
			if s.finished[vm.JobID] == vm.Status {
				continue
			}
			if err := s.recordProgress(ctx, vm); err != nil {
				return err
			}
			if err := s.complete(ctx, vm); err != nil {
				return err
			}
			s.finished[vm.JobID] = vm.Status
			continue
		}
		delete(s.finished, vm.JobID)
		if !queued[vm.JobID] {
			queued[vm.JobID] = true
			order = append(order, vm.JobID)
		}
		latest[vm.JobID] = vm
	}

	for _, jobID := range order {
		vm, ok := latest[jobID]
		if !ok {
			continue
		}
		if err := s.recordProgress(ctx, vm); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) recordProgress(ctx context.Context, vm progress.ViewModel) error {
	if err := s.repo.RecordProgress(ctx, vm.JobID, vm.Progress, string(vm.Backend), timestamp(vm)); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, vm progress.ViewModel) error {
	status := store.RunSuccess
	var errMsg *string
	if vm.Status == progress.StatusError {
		status = store.RunError
		msg := vm.ErrorMessage
		errMsg = &msg
	}
	if err := s.repo.CompleteJob(ctx, vm.JobID, timestamp(vm), status, errMsg); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	s.logger.Debug("job run recorded", zap.String("job_id", vm.JobID), zap.String("status", string(status)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func timestamp(vm progress.ViewModel) time.Time {
	if vm.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return vm.UpdatedAt
}
