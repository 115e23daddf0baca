package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/session-gate/internal/clock"
)

const (
	sessionKeyPrefix = "session:"
	sessionIndexKey  = "sessions:index"
	maxTxRetries     = 8
)

var errIDTaken = errors.New("session id already in use")

// RedisStore はセッションを Redis に保存します。
// 有効期限の判定は Clock で行い、Redis の TTL はメモリ解放のためだけに使います。
type RedisStore struct {
	rdb    *redis.Client
	clock  clock.Clock
	limits Limits
}

// NewRedisStore は Redis をバックエンドとする Store を作成します。
func NewRedisStore(rdb *redis.Client, c clock.Clock, limits Limits) *RedisStore {
	if c == nil {
		c = clock.System{}
	}
	return &RedisStore{
		rdb:    rdb,
		clock:  c,
		limits: limits,
	}
}

// Create はセッションを作成します。
func (r *RedisStore) Create(ctx context.Context, subject string, persistent bool, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := GenerateID()
		if err != nil {
			return nil, err
		}
		s, err := r.create(ctx, id, subject, persistent, ttl)
		if errors.Is(err, errIDTaken) {
			continue
		}
		return s, err
	}
	return nil, fmt.Errorf("session: could not allocate a unique id after %d attempts", maxIDAttempts)
}

func (r *RedisStore) create(ctx context.Context, id, subject string, persistent bool, ttl time.Duration) (*Session, error) {
	key := sessionKey(id)
	watched := []string{key}
	if r.limits.MaxSessions > 0 {
		watched = append(watched, sessionIndexKey)
	}

	var created *Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		now := r.clock.Now()
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return errIDTaken
		}
		if r.limits.MaxSessions > 0 {
			live, err := tx.ZCount(ctx, sessionIndexKey, "("+score(now), "+inf").Result()
			if err != nil {
				return err
			}
			if live >= int64(r.limits.MaxSessions) {
				return ErrCapacityExceeded
			}
		}

		s := newSession(id, subject, persistent, now, ttl, r.limits)
		if err := r.write(ctx, tx, s, now); err != nil {
			return err
		}
		created = s
		return nil
	}, watched...)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ValidateAndTouch は有効なセッションを返します。期限切れはその場で削除します。
func (r *RedisStore) ValidateAndTouch(ctx context.Context, id string, slidingTTL time.Duration) (*Session, error) {
	key := sessionKey(id)

	var result *Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		if s.Expired(now) {
			if err := r.remove(ctx, tx, id); err != nil {
				return err
			}
			return ErrSessionNotFound
		}
		if slidingTTL > 0 {
			s.touch(now, slidingTTL)
			if err := r.write(ctx, tx, s, now); err != nil {
				return err
			}
		}
		result = s
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Revoke はセッションを削除します。
func (r *RedisStore) Revoke(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, sessionIndexKey, id)
		return nil
	})
	return err
}

// Sweep は索引から期限切れ候補を取り出し、1 件ずつ再確認して削除します。
func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	ids, err := r.rdb.ZRangeByScore(ctx, sessionIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: score(now),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		ok, err := r.expireIfStale(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Count は有効なセッション数を返します。
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCount(ctx, sessionIndexKey, "("+score(r.clock.Now()), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisStore) expireIfStale(ctx context.Context, id string) (bool, error) {
	key := sessionKey(id)
	removed := false
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := load(ctx, tx, key)
		if errors.Is(err, ErrSessionNotFound) {
			// 本体は Redis の TTL で消えている。索引だけ掃除する。
			removed = true
			return tx.ZRem(ctx, sessionIndexKey, id).Err()
		}
		if err != nil {
			return err
		}
		if !s.Expired(r.clock.Now()) {
			return nil
		}
		removed = true
		return r.remove(ctx, tx, id)
	}, key)
	return removed, err
}

func (r *RedisStore) write(ctx context.Context, tx *redis.Tx, s *Session, now time.Time) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.ID), payload, remaining(s, now))
		pipe.ZAdd(ctx, sessionIndexKey, redis.Z{
			Score:  float64(s.ExpiresAt.UnixMilli()),
			Member: s.ID,
		})
		return nil
	})
	return err
}

func (r *RedisStore) remove(ctx context.Context, tx *redis.Tx, id string) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, sessionIndexKey, id)
		return nil
	})
	return err
}

func (r *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session: transaction retries exhausted")
}

func load(ctx context.Context, tx *redis.Tx, key string) (*Session, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return &s, nil
}

func remaining(s *Session, now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}
