package auth

import (
	"net/http"
	"time"
)

// CookieOptions はセッション Cookie の発行方法を定義します。
// HttpOnly と Secure は常に有効です。
type CookieOptions struct {
	Name     string
	Path     string
	SameSite http.SameSite
}

func (o CookieOptions) normalize() CookieOptions {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// Apply は指示に従って Set-Cookie ヘッダーを書き込みます。d が nil なら何もしません。
func (o CookieOptions) Apply(w http.ResponseWriter, d *CookieDirective) {
	if d == nil {
		return
	}
	o = o.normalize()

	cookie := &http.Cookie{
		Name:     o.Name,
		Value:    d.Value,
		Path:     o.Path,
		HttpOnly: true,
		Secure:   true,
		SameSite: o.SameSite,
	}
	switch {
	case d.Clear:
		cookie.Value = ""
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
	case !d.Expires.IsZero():
		cookie.Expires = d.Expires.UTC()
	}
	http.SetCookie(w, cookie)
}
