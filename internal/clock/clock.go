// Package clock は有効期限計算に使う現在時刻の供給元を提供します。
package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻を返します。
type Clock interface {
	Now() time.Time
}

// System は time.Now を返す実時間の Clock です。
type System struct{}

// Now は現在時刻を返します。
func (System) Now() time.Time {
	return time.Now()
}

// Manual は手動で進める Clock です。テストで期限切れやスライディングを再現するために使います。
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual は指定時刻から始まる Manual を作成します。
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now は現在の設定時刻を返します。
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set は時刻を上書きします。
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance は時刻を d だけ進めます。
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
