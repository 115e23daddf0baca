package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const (
	// NavigationCookieName はログイン後の戻り先を保持する署名付き Cookie の名前です。
	NavigationCookieName = "sg_nav"
	navKeyReturnTo       = "return_to"
	navMaxAgeSeconds     = 600
)

// NewNavigationStore は戻り先保持用の Cookie ストアを作成します。key は署名鍵です。
func NewNavigationStore(key []byte, sameSite http.SameSite) sessions.Store {
	store := cookie.NewStore(key)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   navMaxAgeSeconds,
		HttpOnly: true,
		Secure:   true,
		SameSite: sameSite,
	})
	return store
}

// NavigationMiddleware は戻り先 Cookie を扱えるようにするミドルウェアです。
func NavigationMiddleware(store sessions.Store) gin.HandlerFunc {
	return sessions.Sessions(NavigationCookieName, store)
}

func rememberReturnPath(c *gin.Context, path string) {
	nav, ok := navigation(c)
	if !ok || !isLocalPath(path) {
		return
	}
	nav.Set(navKeyReturnTo, path)
	_ = nav.Save()
}

// popReturnPath は保存された戻り先を取り出して消します。なければ fallback を返します。
func popReturnPath(c *gin.Context, fallback string) string {
	nav, ok := navigation(c)
	if !ok {
		return fallback
	}
	path, _ := nav.Get(navKeyReturnTo).(string)
	if path == "" {
		return fallback
	}
	nav.Delete(navKeyReturnTo)
	_ = nav.Save()
	if !isLocalPath(path) {
		return fallback
	}
	return path
}

func navigation(c *gin.Context) (sessions.Session, bool) {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return nil, false
	}
	return sessions.Default(c), true
}

// isLocalPath は同一オリジン内のパスかどうかを判定します（オープンリダイレクト対策）。
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}
