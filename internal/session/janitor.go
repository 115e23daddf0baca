package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor は一定間隔で期限切れセッションを掃除します。
// キュー用 Redis がない構成で jobs.Manager の代わりに使います。
type Janitor struct {
	store    Store
	interval time.Duration
	logger   zerolog.Logger
	onSweep  func(removed int)
}

// NewJanitor は Janitor を作成します。onSweep は nil でも構いません。
func NewJanitor(store Store, interval time.Duration, logger zerolog.Logger, onSweep func(removed int)) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		interval: interval,
		logger:   logger,
		onSweep:  onSweep,
	}
}

// Run は ctx がキャンセルされるまで掃除を繰り返します。
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce は 1 回分の掃除を実行します。
func (j *Janitor) SweepOnce(ctx context.Context) int {
	removed, err := j.store.Sweep(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("session sweep failed")
		return removed
	}
	if removed > 0 {
		j.logger.Debug().Int("removed", removed).Msg("expired sessions swept")
	}
	if j.onSweep != nil {
		j.onSweep(removed)
	}
	return removed
}
