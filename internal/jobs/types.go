package jobs

import (
	"time"

	"github.com/rs/zerolog"
)

// Status は掃除ジョブの実行状態を表します。
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// 掃除を起動したきっかけです。
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
)

// TaskPayload は session:sweep タスクのペイロードです。
type TaskPayload struct {
	Trigger string `json:"trigger"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は掃除 1 回分の実行記録です。
type Record struct {
	RunID      string     `json:"runId"`
	Trigger    string     `json:"trigger"`
	Status     Status     `json:"status"`
	Removed    int        `json:"removed"`
	Error      *ErrorInfo `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// MarshalZerologObject はログ出力用の表現を書き込みます。
func (r *Record) MarshalZerologObject(e *zerolog.Event) {
	e.Str("runId", r.RunID).
		Str("trigger", r.Trigger).
		Str("status", string(r.Status)).
		Int("removed", r.Removed)
}
