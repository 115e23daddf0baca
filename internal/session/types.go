// Package session はサーバー側セッションの保持・検証・失効を提供します。
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrSessionNotFound はセッションが存在しないか期限切れであることを表します。
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrCapacityExceeded は同時セッション数の上限に達したことを表します。
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// Session は認証済みブラウザセッション 1 件分の状態です。
type Session struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	// MaxExpiresAt はスライディングでも越えない絶対期限です。ゼロ値なら上限なし。
	MaxExpiresAt time.Time `json:"maxExpiresAt,omitempty"`
	Persistent   bool      `json:"persistent"`
}

// Expired は now 時点で期限切れかどうかを返します。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// touch は now を最終アクセスとし、期限を now+window に延長します。
func (s *Session) touch(now time.Time, window time.Duration) {
	s.LastActiveAt = now
	expires := now.Add(window)
	if !s.MaxExpiresAt.IsZero() && expires.After(s.MaxExpiresAt) {
		expires = s.MaxExpiresAt
	}
	s.ExpiresAt = expires
}

// MarshalZerologObject はログ出力用の表現を書き込みます。ID は先頭のみ出力します。
func (s *Session) MarshalZerologObject(e *zerolog.Event) {
	e.Str("sid", shortID(s.ID)).
		Str("subject", s.Subject).
		Time("expiresAt", s.ExpiresAt).
		Bool("persistent", s.Persistent)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Limits はストアの上限設定です。ゼロ値は無制限を表します。
type Limits struct {
	MaxSessions int
	MaxLifetime time.Duration
}

// Store はセッションの作成・検証・失効を行います。
// 実装は並行呼び出しに対して各操作を不可分に実行しなければなりません。
type Store interface {
	// Create は新しいセッションを作成して返します。
	Create(ctx context.Context, subject string, persistent bool, ttl time.Duration) (*Session, error)
	// ValidateAndTouch は有効なセッションを返し、slidingTTL > 0 なら期限を延長します。
	// 存在しない・期限切れの場合は ErrSessionNotFound を返します。
	ValidateAndTouch(ctx context.Context, id string, slidingTTL time.Duration) (*Session, error)
	// Revoke はセッションを削除します。存在しなくてもエラーにはしません。
	Revoke(ctx context.Context, id string) error
	// Sweep は期限切れセッションを削除し、削除件数を返します。
	Sweep(ctx context.Context) (int, error)
	// Count は有効なセッション数を返します。
	Count(ctx context.Context) (int, error)
}

func newSession(id, subject string, persistent bool, now time.Time, ttl time.Duration, limits Limits) *Session {
	s := &Session{
		ID:           id,
		Subject:      subject,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
		Persistent:   persistent,
	}
	if limits.MaxLifetime > 0 {
		s.MaxExpiresAt = now.Add(limits.MaxLifetime)
		if s.ExpiresAt.After(s.MaxExpiresAt) {
			s.ExpiresAt = s.MaxExpiresAt
		}
	}
	return s
}
