// Package web はトップページ・ログインページ・保護ページを提供します。
package web

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/session-gate/internal/auth"
)

// Scheme は画面に表示する認証方式の名前です。
const Scheme = "Cookies"

// DefaultSecretPath は保護ページのパスです。
const DefaultSecretPath = "/secret"

//go:embed templates/*.html
var templateFS embed.FS

// Templates は埋め込みテンプレートを読み込みます。
func Templates() *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/*.html"))
}

// Pages は画面ハンドラーです。
type Pages struct {
	paths             auth.Paths
	secretPath        string
	defaultPersistent bool
}

// NewPages は Pages を作成します。
func NewPages(paths auth.Paths, secretPath string, defaultPersistent bool) *Pages {
	if secretPath == "" {
		secretPath = DefaultSecretPath
	}
	return &Pages{
		paths:             paths,
		secretPath:        secretPath,
		defaultPersistent: defaultPersistent,
	}
}

// RegisterRoutes は画面のルートを登録します。guard は保護ページに掛けるミドルウェアです。
func (p *Pages) RegisterRoutes(r gin.IRoutes, guard gin.HandlerFunc) {
	r.GET("/", p.Home)
	r.GET(p.paths.Login, p.Login)
	r.GET(p.secretPath, guard, p.Secret)
}

// Home はトップページです。
func (p *Pages) Home(c *gin.Context) {
	c.HTML(http.StatusOK, "home.html", p.view(c))
}

// Login はログインページです。未ログインで保護ページにアクセスするとここへ誘導されます。
func (p *Pages) Login(c *gin.Context) {
	c.HTML(http.StatusOK, "login.html", p.view(c))
}

// Secret はログインが必要なページです。
func (p *Pages) Secret(c *gin.Context) {
	identity := auth.IdentityFrom(c)
	c.String(http.StatusOK, "Hello %s. This is a secret!", identity.Subject)
}

func (p *Pages) view(c *gin.Context) gin.H {
	return gin.H{
		"Scheme":            Scheme,
		"Identity":          auth.IdentityFrom(c),
		"Paths":             p.paths,
		"SecretPath":        p.secretPath,
		"DefaultPersistent": p.defaultPersistent,
	}
}
