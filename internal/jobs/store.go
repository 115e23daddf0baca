package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "sweep:"
	lastRunKey      = "sweep:last"
	maxTxRetries    = 8
)

// ErrRecordNotFound は実行記録が存在しないことを表します。
var ErrRecordNotFound = errors.New("sweep record not found")

// Store は掃除ジョブの実行記録を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。ttl が 0 なら記録は期限切れになりません。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get は実行記録を取得します。存在しなければ nil を返します。
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is required")
	}
	data, err := s.rdb.Get(ctx, recordKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Last は直近に開始した掃除の記録を返します。まだなければ nil を返します。
func (s *Store) Last(ctx context.Context) (*Record, error) {
	runID, err := s.rdb.Get(ctx, lastRunKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.Get(ctx, runID)
}

// Upsert は実行記録を保存し、直近の記録として登録します。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.RunID == "" {
		return fmt.Errorf("record.RunID is required")
	}
	now := time.Now().UTC()
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.StartedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(record.RunID), payload, s.ttl)
		pipe.Set(ctx, lastRunKey, record.RunID, s.ttl)
		return nil
	})
	return err
}

// MarkDone は掃除完了時の情報を保存します。
func (s *Store) MarkDone(ctx context.Context, runID string, removed int) error {
	return s.updatePartial(ctx, runID, func(record *Record) {
		record.Status = StatusSucceeded
		record.Removed = removed
		record.FinishedAt = time.Now().UTC()
		record.Error = nil
	})
}

// MarkFailed は掃除失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, runID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, runID, func(record *Record) {
		record.Status = StatusFailed
		record.FinishedAt = time.Now().UTC()
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// updatePartial は WATCH した記録を読み込み、mutate を適用して書き戻します。
func (s *Store) updatePartial(ctx context.Context, runID string, mutate func(*Record)) error {
	key := recordKey(runID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrRecordNotFound, runID)
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			mutate(&record)
			record.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("sweep record %s: gave up after %d conflicting updates", runID, maxTxRetries)
}

func recordKey(runID string) string {
	return recordKeyPrefix + runID
}
