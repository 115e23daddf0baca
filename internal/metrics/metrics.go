// Package metrics は認証結果とセッション数の Prometheus メトリクスを提供します。
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "session_gate"

// 認証結果のラベル値です。
const (
	ResultAuthenticated = "authenticated"
	ResultAnonymous     = "anonymous"
	ResultInvalidToken  = "invalid_token"
	ResultExpired       = "expired"
	ResultStoreError    = "store_error"

	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultCapacity = "capacity"
	ResultError    = "error"
)

// Counter は有効セッション数を数えられるものです。session.Store が満たします。
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Metrics は Prometheus のコレクタをまとめたものです。nil のまま各メソッドを呼んでも安全です。
type Metrics struct {
	registry        *prometheus.Registry
	logins          *prometheus.CounterVec
	logouts         prometheus.Counter
	authentications *prometheus.CounterVec
	swept           prometheus.Counter
}

// New は専用レジストリにコレクタを登録します。sessions が nil でなければ有効セッション数のゲージも登録します。
func New(sessions Counter) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		logouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logout requests",
		}),
		authentications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Request authentications by result",
		}, []string{"result"}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Expired sessions removed by the sweeper",
		}),
	}

	if sessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live sessions in the store",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := sessions.Count(ctx)
			if err != nil {
				return 0
			}
			return float64(n)
		})
	}
	return m
}

// Registry はエクスポート用のレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveLogin はログイン結果を記録します。
func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

// ObserveLogout はログアウトを記録します。
func (m *Metrics) ObserveLogout() {
	if m == nil {
		return
	}
	m.logouts.Inc()
}

// ObserveAuthentication は認証結果を記録します。
func (m *Metrics) ObserveAuthentication(result string) {
	if m == nil {
		return
	}
	m.authentications.WithLabelValues(result).Inc()
}

// ObserveSweep は掃除で削除した件数を記録します。
func (m *Metrics) ObserveSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.swept.Add(float64(removed))
}
