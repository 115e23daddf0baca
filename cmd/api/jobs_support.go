package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/session-gate/internal/config"
	"github.com/yourusername/session-gate/internal/jobs"
	"github.com/yourusername/session-gate/internal/metrics"
	"github.com/yourusername/session-gate/internal/session"
)

// sweepStatus は直近の掃除結果を返せるものです。
type sweepStatus interface {
	LastRecord(ctx context.Context) (*jobs.Record, error)
}

// sweeping は期限切れセッション掃除の起動と停止を抽象化します。
type sweeping interface {
	sweepStatus
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// setupSweeping は QUEUE_REDIS_URL があれば Asynq、なければプロセス内の Janitor を使います。
func setupSweeping(cfg *config.Config, store session.Store, m *metrics.Metrics, log zerolog.Logger) (sweeping, error) {
	if cfg.QueueRedisURL == "" {
		return newLocalSweeping(store, cfg.SweepInterval, m, log), nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)
	records := jobs.NewStore(redisClient, cfg.SweepRecordTTL)

	sweeper, err := jobs.NewSweeper(store, records, m, log)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	manager, err := jobs.NewManager(cfg, sweeper, records, log)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	return &queueSweeping{manager: manager, redis: redisClient, log: log}, nil
}

// queueSweeping は Asynq のスケジューラーとワーカーで掃除します。
type queueSweeping struct {
	manager *jobs.Manager
	redis   *redis.Client
	log     zerolog.Logger
}

func (q *queueSweeping) Start(ctx context.Context) error {
	if err := q.manager.StartWorkers(); err != nil {
		return err
	}
	// 起動直後に 1 回掃除しておく
	if _, err := q.manager.Enqueue(ctx, jobs.TriggerStartup); err != nil {
		q.log.Warn().Err(err).Msg("failed to enqueue startup sweep")
	}
	return nil
}

func (q *queueSweeping) Shutdown(ctx context.Context) error {
	err := q.manager.Shutdown(ctx)
	if closeErr := q.redis.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (q *queueSweeping) LastRecord(ctx context.Context) (*jobs.Record, error) {
	return q.manager.LastRecord(ctx)
}

// localSweeping は session.Janitor で掃除し、直近の結果をメモリに保持します。
type localSweeping struct {
	janitor *session.Janitor
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	last *jobs.Record
}

func newLocalSweeping(store session.Store, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *localSweeping {
	l := &localSweeping{}
	l.janitor = session.NewJanitor(store, interval, log, func(removed int) {
		m.ObserveSweep(removed)
		now := time.Now().UTC()
		l.mu.Lock()
		l.last = &jobs.Record{
			RunID:      uuid.NewString(),
			Trigger:    jobs.TriggerSchedule,
			Status:     jobs.StatusSucceeded,
			Removed:    removed,
			StartedAt:  now,
			FinishedAt: now,
			UpdatedAt:  now,
		}
		l.mu.Unlock()
	})
	return l
}

func (l *localSweeping) Start(ctx context.Context) error {
	if l.cancel != nil {
		return fmt.Errorf("janitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.janitor.Run(runCtx)
	}()
	return nil
}

func (l *localSweeping) Shutdown(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *localSweeping) LastRecord(ctx context.Context) (*jobs.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, nil
	}
	copied := *l.last
	return &copied, nil
}
