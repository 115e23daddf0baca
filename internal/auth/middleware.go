package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextIdentityKey は認証結果を gin.Context に保存するキーです。
const ContextIdentityKey = "auth.identity"

// Authenticate は Cookie を検証し、認証結果を gin.Context に保存するミドルウェアです。
// スライディングによる再発行や、無効な Cookie の削除もここで行います。
// ログイン・ログアウトのルートには掛けないでください（RegisterRoutes を参照）。
func (h *Handler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(h.cookies.Name)
		if err != nil {
			raw = ""
		}
		result := h.manager.Authenticate(c.Request.Context(), raw)
		h.cookies.Apply(c.Writer, result.Cookie)
		c.Set(ContextIdentityKey, result.Identity)
		c.Next()
	}
}

// RequireLogin は未ログインのリクエストをログインページへリダイレクトするミドルウェアです。
// Authenticate の後に置く必要があります。
func (h *Handler) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IdentityFrom(c).Authenticated {
			c.Next()
			return
		}
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			rememberReturnPath(c, c.Request.URL.RequestURI())
		}
		c.Redirect(http.StatusFound, h.paths.Login)
		c.Abort()
	}
}

// IdentityFrom は gin.Context から認証結果を取り出します。なければ匿名を返します。
func IdentityFrom(c *gin.Context) Identity {
	v, ok := c.Get(ContextIdentityKey)
	if !ok {
		return Identity{}
	}
	id, _ := v.(Identity)
	return id
}
