// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSecretLength はセッション署名用シークレットの最小バイト数です。
const MinSecretLength = 32

// SESSION_STORE に指定できる値です。
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ErrSecretMissing はシークレットが設定されていないことを表します。起動を中止すべきエラーです。
var ErrSecretMissing = errors.New("SESSION_SECRET or SESSION_SECRET_FILE must be set")

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zerolog のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 署名鍵
	SessionSecret       string // セッション署名用の秘密鍵
	SessionSecretFile   string // 秘密鍵を読み込むファイル
	SessionSecretRandom bool   // 起動ごとに乱数鍵を生成する（再起動で全員ログアウト）

	// セッション設定
	SessionTTL         time.Duration // 作成時の有効期間
	SlidingTTL         time.Duration // アクセスごとの延長幅（0 で無効）
	SessionMaxLifetime time.Duration // スライディングでも越えない絶対期限（0 で無効）
	MaxSessions        int           // 同時セッション数の上限（0 で無制限）
	RevokeOnRelogin    bool          // 再ログイン時に以前のセッションを失効させる
	DefaultPersistent  bool          // フォームで指定がない場合の永続 Cookie 設定

	// Cookie設定
	CookieName     string
	CookieSameSite string // lax, strict, none

	// パス設定
	LoginPath      string
	LogoutPath     string
	PostLoginPath  string
	PostLogoutPath string

	// ストア設定
	SessionStore    string // memory または redis
	SessionRedisURL string // SESSION_STORE=redis のときの接続URL

	// ジョブ/キュー設定
	QueueRedisURL  string        // Asynq用Redis接続URL（空ならプロセス内で掃除する）
	SweepInterval  time.Duration // 期限切れセッション掃除の間隔
	SweepRecordTTL time.Duration // 掃除結果レコードの保持期間
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),

		// 署名鍵
		SessionSecret:       getEnv("SESSION_SECRET", ""),
		SessionSecretFile:   getEnv("SESSION_SECRET_FILE", ""),
		SessionSecretRandom: getEnvAsBool("SESSION_SECRET_RANDOM", false),

		// セッション設定
		SessionTTL:         getEnvAsDuration("SESSION_TTL", 30*time.Minute),
		SlidingTTL:         getEnvAsDuration("SLIDING_TTL", 30*time.Minute),
		SessionMaxLifetime: getEnvAsDuration("SESSION_MAX_LIFETIME", 0),
		MaxSessions:        getEnvAsInt("MAX_SESSIONS", 0),
		RevokeOnRelogin:    getEnvAsBool("REVOKE_ON_RELOGIN", false),
		DefaultPersistent:  getEnvAsBool("DEFAULT_PERSISTENT", true),

		// Cookie設定
		CookieName:     getEnv("COOKIE_NAME", "sg_session"),
		CookieSameSite: getEnv("COOKIE_SAMESITE", "lax"),

		// パス設定
		LoginPath:      getEnv("LOGIN_PATH", "/login"),
		LogoutPath:     getEnv("LOGOUT_PATH", "/logout"),
		PostLoginPath:  getEnv("POST_LOGIN_PATH", "/"),
		PostLogoutPath: getEnv("POST_LOGOUT_PATH", "/"),

		// ストア設定
		SessionStore:    getEnv("SESSION_STORE", StoreMemory),
		SessionRedisURL: getEnv("SESSION_REDIS_URL", "redis://127.0.0.1:6379/0"),

		// ジョブ/キュー設定
		QueueRedisURL:  getEnv("QUEUE_REDIS_URL", ""),
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		SweepRecordTTL: getEnvAsDuration("SWEEP_RECORD_TTL", time.Hour),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.SlidingTTL < 0 {
		return fmt.Errorf("SLIDING_TTL must not be negative")
	}
	if c.SessionMaxLifetime < 0 {
		return fmt.Errorf("SESSION_MAX_LIFETIME must not be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("MAX_SESSIONS must not be negative")
	}
	if c.CookieName == "" {
		return fmt.Errorf("COOKIE_NAME is required")
	}
	if _, err := parseSameSite(c.CookieSameSite); err != nil {
		return err
	}
	for name, path := range map[string]string{
		"LOGIN_PATH":       c.LoginPath,
		"LOGOUT_PATH":      c.LogoutPath,
		"POST_LOGIN_PATH":  c.PostLoginPath,
		"POST_LOGOUT_PATH": c.PostLogoutPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.SessionRedisURL == "" {
			return fmt.Errorf("SESSION_REDIS_URL is required when SESSION_STORE=redis")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be memory or redis, got %q", c.SessionStore)
	}
	if c.SessionSecretRandom && c.SessionStore == StoreRedis {
		// 複数プロセスで鍵が食い違うため許可しない
		return fmt.Errorf("SESSION_SECRET_RANDOM cannot be combined with SESSION_STORE=redis")
	}
	return nil
}

// SameSite は CookieSameSite を http.SameSite に変換します。
func (c *Config) SameSite() http.SameSite {
	mode, err := parseSameSite(c.CookieSameSite)
	if err != nil {
		return http.SameSiteLaxMode
	}
	return mode
}

// SecretKey はセッション署名用シークレットを解決します。
// 未設定・読み込み失敗・長さ不足はいずれも起動を中止すべきエラーです。
func (c *Config) SecretKey() ([]byte, error) {
	var secret []byte
	switch {
	case c.SessionSecret != "":
		secret = []byte(c.SessionSecret)
	case c.SessionSecretFile != "":
		data, err := os.ReadFile(c.SessionSecretFile)
		if err != nil {
			return nil, fmt.Errorf("read SESSION_SECRET_FILE: %w", err)
		}
		secret = []byte(strings.TrimSpace(string(data)))
	case c.SessionSecretRandom:
		secret = make([]byte, MinSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate random secret: %w", err)
		}
	default:
		return nil, ErrSecretMissing
	}

	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return secret, nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("COOKIE_SAMESITE must be lax, strict or none, got %q", v)
	}
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。"0" は 0 として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if valueStr == "0" {
		return 0
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
