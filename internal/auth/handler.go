package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/session-gate/internal/logger"
)

// Paths はログイン関連のパス設定です。
type Paths struct {
	Login      string
	Logout     string
	PostLogin  string
	PostLogout string
}

// Handler は Manager を HTTP につなぐ Gin ハンドラー群です。
type Handler struct {
	manager           *Manager
	cookies           CookieOptions
	paths             Paths
	defaultPersistent bool
}

// NewHandler は Handler を作成します。
func NewHandler(manager *Manager, cookies CookieOptions, paths Paths, defaultPersistent bool) *Handler {
	return &Handler{
		manager:           manager,
		cookies:           cookies.normalize(),
		paths:             paths,
		defaultPersistent: defaultPersistent,
	}
}

// Paths は設定済みのパスを返します。
func (h *Handler) Paths() Paths {
	return h.paths
}

// RegisterRoutes はログインとログアウトのルートを登録します。
// 両ハンドラーは Cookie を自分で読み書きするため、r に Authenticate を掛けてはいけません。
// 掛けると検証失敗時にも Cookie が更新され、ログアウトでは Set-Cookie が 2 回出ます。
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST(h.paths.Login, h.Login)
	r.POST(h.paths.Logout, h.Logout)
}

// Login は POST /login のハンドラーです。
func (h *Handler) Login(c *gin.Context) {
	username := c.PostForm("username")
	persistent := h.persistentFlag(c)
	current, _ := c.Cookie(h.cookies.Name)

	result, err := h.manager.Login(c.Request.Context(), username, persistent, current)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			c.String(http.StatusBadRequest, verr.Message)
		case errors.Is(err, ErrCapacityExceeded):
			c.Header("Retry-After", "30")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SESSION_CAPACITY_EXCEEDED",
				"message": "Too many active sessions. Please try again later.",
			})
		default:
			log := logger.FromContext(c, h.manager.logger)
			log.Error().Err(err).Msg("login failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "SESSION_CREATE_FAILED",
				"message": "Failed to create session",
			})
		}
		return
	}

	h.cookies.Apply(c.Writer, result.Cookie)
	c.Redirect(http.StatusFound, popReturnPath(c, h.paths.PostLogin))
}

// Logout は POST /logout のハンドラーです。入力は不要で、失敗しません。
func (h *Handler) Logout(c *gin.Context) {
	current, _ := c.Cookie(h.cookies.Name)
	result := h.manager.Logout(c.Request.Context(), current)
	h.cookies.Apply(c.Writer, result.Cookie)
	c.Redirect(http.StatusFound, h.paths.PostLogout)
}

// persistentFlag はフォームの persistent 値を解釈します。
// チェックボックスの前に hidden の false を置く形に対応するため最後の値を採用します。
func (h *Handler) persistentFlag(c *gin.Context) bool {
	values := c.PostFormArray("persistent")
	if len(values) == 0 {
		return h.defaultPersistent
	}
	switch strings.ToLower(strings.TrimSpace(values[len(values)-1])) {
	case "true", "on", "1", "yes":
		return true
	case "false", "off", "0", "no":
		return false
	default:
		return h.defaultPersistent
	}
}
