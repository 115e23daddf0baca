// Package logger は zerolog のロガー生成と Gin 用のリクエストログを提供します。
package logger

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader はリクエスト ID を受け渡すヘッダーです。
const RequestIDHeader = "X-Request-ID"

// ContextLoggerKey はリクエスト単位のロガーを gin.Context に保存するキーです。
const ContextLoggerKey = "logger"

// New はレベルと Gin のモードに応じたロガーを作成します。
// debug モードでは人が読みやすいコンソール出力、それ以外は JSON を出力します。
func New(level, ginMode string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, ginMode)
}

// NewWithWriter は出力先を指定してロガーを作成します。
func NewWithWriter(w io.Writer, level, ginMode string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if ginMode == gin.DebugMode {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Middleware はリクエスト ID を採番し、処理結果をログに出力するミドルウェアです。
func Middleware(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		reqLogger := base.With().Str("requestId", requestID).Logger()
		c.Set(ContextLoggerKey, reqLogger)

		c.Next()

		status := c.Writer.Status()
		event := reqLogger.Info()
		switch {
		case status >= 500:
			event = reqLogger.Error()
		case status >= 400:
			event = reqLogger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("clientIp", c.ClientIP()).
			Msg("request handled")
	}
}

// FromContext はリクエスト単位のロガーを返します。なければ fallback を返します。
func FromContext(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if v, ok := c.Get(ContextLoggerKey); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return l
		}
	}
	return fallback
}
