package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/session-gate/internal/config"
)

const (
	// TaskTypeSweep は期限切れセッション掃除のタスク種別です。
	TaskTypeSweep    = "session:sweep"
	queueMaintenance = "maintenance"
)

// Manager は掃除タスクの定期投入とワーカーの起動を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	interval  time.Duration
	logger    zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, sweeper *Sweeper, store *Store, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if sweeper == nil {
		return nil, errors.New("sweeper is nil")
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	qlog := asynqLogger{logger: logger.With().Str("component", "asynq").Logger()}
	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queueMaintenance: 1,
			},
			Logger: qlog,
		},
	)
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger:   qlog,
		Location: time.UTC,
	})

	task, err := newSweepTask(TriggerSchedule)
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(
		"@every "+cfg.SweepInterval.String(),
		task,
		asynq.Queue(queueMaintenance),
		asynq.MaxRetry(0),
		asynq.Timeout(cfg.SweepInterval),
	); err != nil {
		return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeSweep, sweeper)

	return &Manager{
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		store:     store,
		interval:  cfg.SweepInterval,
		logger:    logger,
	}, nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	// シグナル処理は main 側で行うため Run ではなく Start を使う
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		m.server.Shutdown()
		return fmt.Errorf("failed to start sweep scheduler: %w", err)
	}
	m.logger.Info().Dur("interval", m.interval).Msg("session sweep scheduled")
	return nil
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue は掃除タスクを即時にキューへ投入し、タスク ID を返します。
func (m *Manager) Enqueue(ctx context.Context, trigger string) (string, error) {
	task, err := newSweepTask(trigger)
	if err != nil {
		return "", err
	}
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueMaintenance),
		asynq.MaxRetry(1),
		asynq.Timeout(m.interval),
	)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// LastRecord は直近の掃除記録を返します。
func (m *Manager) LastRecord(ctx context.Context) (*Record, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Last(ctx)
}

func newSweepTask(trigger string) (*asynq.Task, error) {
	body, err := json.Marshal(TaskPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSweep, body), nil
}

// asynqLogger は asynq のログを zerolog に流します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
