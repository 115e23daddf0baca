// Package jobs は Asynq による期限切れセッションの定期掃除を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/session-gate/internal/metrics"
	"github.com/yourusername/session-gate/internal/session"
)

// Sweeper は session:sweep タスクを処理するワーカーです。
type Sweeper struct {
	sessions session.Store
	records  *Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewSweeper は Sweeper を作成します。records と m は nil でも構いません。
func NewSweeper(sessions session.Store, records *Store, m *metrics.Metrics, logger zerolog.Logger) (*Sweeper, error) {
	if sessions == nil {
		return nil, errors.New("sessions is nil")
	}
	return &Sweeper{
		sessions: sessions,
		records:  records,
		metrics:  m,
		logger:   logger,
	}, nil
}

// ProcessTask は asynq.Handler の実装です。
func (s *Sweeper) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload := TaskPayload{Trigger: TriggerSchedule}
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	runID, ok := asynq.GetTaskID(ctx)
	if !ok {
		runID = uuid.NewString()
	}

	record := &Record{
		RunID:   runID,
		Trigger: payload.Trigger,
		Status:  StatusRunning,
	}
	if s.records != nil {
		if err := s.records.Upsert(ctx, record); err != nil {
			s.logger.Warn().Err(err).Str("runId", runID).Msg("failed to record sweep start")
		}
	}

	removed, err := s.sessions.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("runId", runID).Msg("session sweep failed")
		if s.records != nil {
			if markErr := s.records.MarkFailed(ctx, runID, &ErrorInfo{
				Code:    "SWEEP_FAILED",
				Message: err.Error(),
			}); markErr != nil {
				s.logger.Warn().Err(markErr).Str("runId", runID).Msg("failed to record sweep failure")
			}
		}
		return err
	}

	s.metrics.ObserveSweep(removed)
	record.Status = StatusSucceeded
	record.Removed = removed
	s.logger.Debug().Object("sweep", record).Msg("session sweep finished")

	if s.records != nil {
		if err := s.records.MarkDone(ctx, runID, removed); err != nil {
			s.logger.Warn().Err(err).Str("runId", runID).Msg("failed to record sweep result")
		}
	}
	return nil
}
