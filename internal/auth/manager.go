// Package auth はセッション Cookie によるログイン・リクエスト認証・ログアウトを提供します。
//
// クライアントごとの状態は Anonymous と Authenticated の 2 つで、
// Login だけが Authenticated への遷移を作り、Logout は常に Anonymous へ戻します。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/yourusername/session-gate/internal/metrics"
	"github.com/yourusername/session-gate/internal/session"
	"github.com/yourusername/session-gate/internal/token"
)

// DefaultMaxSubjectLength はユーザー名として受け付ける最大文字数の既定値です。
const DefaultMaxSubjectLength = 128

// ErrCapacityExceeded はセッション数の上限でログインを受け付けられないことを表します。
var ErrCapacityExceeded = session.ErrCapacityExceeded

// ValidationError はログイン入力の不備を表します。状態は何も変わりません。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Identity は認証結果です。ゼロ値は匿名を表します。
type Identity struct {
	Subject       string
	SessionID     string
	Authenticated bool
}

// CookieDirective はレスポンスで Cookie をどう扱うかの指示です。
// Expires がゼロ値ならブラウザ終了で消えるセッション Cookie になります。
type CookieDirective struct {
	Value   string
	Expires time.Time
	Clear   bool
}

// Result は各操作の結果です。Cookie が nil なら Cookie は変更しません。
type Result struct {
	Identity Identity
	Cookie   *CookieDirective
}

// Policy はセッションの寿命に関する方針です。
type Policy struct {
	SessionTTL       time.Duration
	SlidingTTL       time.Duration // 0 ならスライディングしない
	RevokeOnRelogin  bool
	MaxSubjectLength int
}

// Manager はログイン・認証・ログアウトをまとめた構造体です。
type Manager struct {
	store   session.Store
	codec   *token.Codec
	policy  Policy
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager は Manager を作成します。metrics は nil でも構いません。
func NewManager(store session.Store, codec *token.Codec, policy Policy, m *metrics.Metrics, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if codec == nil {
		return nil, errors.New("codec is nil")
	}
	if policy.SessionTTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if policy.MaxSubjectLength <= 0 {
		policy.MaxSubjectLength = DefaultMaxSubjectLength
	}
	return &Manager{
		store:   store,
		codec:   codec,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}, nil
}

// Login はセッションを作成して Cookie 発行の指示を返します。
// current は既存の Cookie 値で、RevokeOnRelogin が有効な場合だけ使います。
func (m *Manager) Login(ctx context.Context, subject string, persistent bool, current string) (*Result, error) {
	name, err := m.normalizeSubject(subject)
	if err != nil {
		m.metrics.ObserveLogin(metrics.ResultRejected)
		return nil, err
	}

	if m.policy.RevokeOnRelogin && current != "" {
		if claims, err := m.codec.Decode(current); err == nil {
			if err := m.store.Revoke(ctx, claims.SessionID); err != nil {
				m.logger.Warn().Err(err).Msg("failed to revoke previous session on relogin")
			}
		}
	}

	s, err := m.store.Create(ctx, name, persistent, m.policy.SessionTTL)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			m.metrics.ObserveLogin(metrics.ResultCapacity)
			m.logger.Warn().Str("subject", name).Msg("login rejected: session capacity reached")
			return nil, err
		}
		m.metrics.ObserveLogin(metrics.ResultError)
		return nil, fmt.Errorf("create session: %w", err)
	}

	value, err := m.codec.Encode(s.ID, s.ExpiresAt)
	if err != nil {
		_ = m.store.Revoke(ctx, s.ID)
		m.metrics.ObserveLogin(metrics.ResultError)
		return nil, fmt.Errorf("encode token: %w", err)
	}

	m.metrics.ObserveLogin(metrics.ResultSuccess)
	m.logger.Info().Object("session", s).Msg("login succeeded")
	return &Result{
		Identity: identityOf(s),
		Cookie:   setDirective(value, s),
	}, nil
}

// Authenticate は Cookie 値を検証して認証結果を返します。失敗はすべて匿名として扱います。
func (m *Manager) Authenticate(ctx context.Context, raw string) Result {
	if raw == "" {
		m.metrics.ObserveAuthentication(metrics.ResultAnonymous)
		return Result{}
	}

	claims, err := m.codec.Decode(raw)
	if err != nil {
		m.metrics.ObserveAuthentication(metrics.ResultInvalidToken)
		m.logger.Debug().Msg("discarding cookie with invalid token")
		return Result{Cookie: clearDirective()}
	}

	s, err := m.store.ValidateAndTouch(ctx, claims.SessionID, m.policy.SlidingTTL)
	if errors.Is(err, session.ErrSessionNotFound) {
		m.metrics.ObserveAuthentication(metrics.ResultExpired)
		return Result{Cookie: clearDirective()}
	}
	if err != nil {
		// バックエンド障害ではログアウトさせない
		m.metrics.ObserveAuthentication(metrics.ResultStoreError)
		m.logger.Error().Err(err).Msg("session lookup failed")
		return Result{}
	}

	result := Result{Identity: identityOf(s)}
	if m.policy.SlidingTTL > 0 {
		value, err := m.codec.Encode(s.ID, s.ExpiresAt)
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to re-issue token")
		} else {
			result.Cookie = setDirective(value, s)
		}
	}
	m.metrics.ObserveAuthentication(metrics.ResultAuthenticated)
	return result
}

// Logout はセッションを失効させ、常に Cookie 削除の指示を返します。
func (m *Manager) Logout(ctx context.Context, raw string) Result {
	if raw != "" {
		if claims, err := m.codec.Decode(raw); err == nil {
			if err := m.store.Revoke(ctx, claims.SessionID); err != nil {
				m.logger.Error().Err(err).Msg("failed to revoke session on logout")
			}
		}
	}
	m.metrics.ObserveLogout()
	return Result{Cookie: clearDirective()}
}

func (m *Manager) normalizeSubject(subject string) (string, error) {
	name := strings.TrimSpace(subject)
	if name == "" {
		return "", &ValidationError{Field: "username", Message: "Username is required"}
	}
	if !utf8.ValidString(name) {
		return "", &ValidationError{Field: "username", Message: "Username must be valid UTF-8"}
	}
	if utf8.RuneCountInString(name) > m.policy.MaxSubjectLength {
		return "", &ValidationError{
			Field:   "username",
			Message: fmt.Sprintf("Username must be at most %d characters", m.policy.MaxSubjectLength),
		}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", &ValidationError{Field: "username", Message: "Username must not contain control characters"}
		}
	}
	return name, nil
}

func identityOf(s *session.Session) Identity {
	return Identity{
		Subject:       s.Subject,
		SessionID:     s.ID,
		Authenticated: true,
	}
}

func setDirective(value string, s *session.Session) *CookieDirective {
	d := &CookieDirective{Value: value}
	if s.Persistent {
		d.Expires = s.ExpiresAt
	}
	return d
}

func clearDirective() *CookieDirective {
	return &CookieDirective{Clear: true}
}
