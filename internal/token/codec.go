// Package token はセッション ID を改ざん検知可能な Cookie 値に変換します。
//
// 形式は "v1.<sessionID>.<expiresUnix>.<tag>" で、tag は先頭 3 要素に対する
// HMAC-SHA256 を base64url (パディングなし) で表したものです。
// 鍵はプロセス起動時に一度だけ読み込まれ、鍵を変更すると発行済みトークンはすべて無効になります。
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	version = "v1"
	// MaxLength は受け付けるトークンの最大長です。
	MaxLength = 256
	// MinKeyLength は MAC 鍵の最小バイト数です。
	MinKeyLength = 32
)

// ErrInvalidToken は形式不正・未知のバージョン・署名不一致を表します。
var ErrInvalidToken = errors.New("invalid token")

// Claims はトークンから取り出した内容です。ExpiresAt は発行時点の期限のヒントで、正はストアが持ちます。
type Claims struct {
	SessionID string
	ExpiresAt time.Time
}

// Codec はトークンの発行と検証を行います。並行利用して構いません。
type Codec struct {
	key []byte
}

// NewCodec は MAC 鍵を受け取って Codec を作成します。
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("token: key must be at least %d bytes", MinKeyLength)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// Encode はセッション ID と期限からトークンを作成します。
func (c *Codec) Encode(sessionID string, expiresAt time.Time) (string, error) {
	if sessionID == "" || !isURLSafe(sessionID) {
		return "", fmt.Errorf("token: session id contains unsupported characters")
	}
	payload := version + "." + sessionID + "." + strconv.FormatInt(expiresAt.Unix(), 10)
	out := payload + "." + c.sign(payload)
	if len(out) > MaxLength {
		return "", fmt.Errorf("token: encoded token exceeds %d bytes", MaxLength)
	}
	return out, nil
}

// Decode はトークンを検証して Claims を返します。どんな入力でも panic せず ErrInvalidToken を返します。
func (c *Codec) Decode(raw string) (Claims, error) {
	if raw == "" || len(raw) > MaxLength {
		return Claims{}, ErrInvalidToken
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 4 || parts[0] != version {
		return Claims{}, ErrInvalidToken
	}
	id, exp, tag := parts[1], parts[2], parts[3]
	if id == "" || !isURLSafe(id) || tag == "" {
		return Claims{}, ErrInvalidToken
	}

	expected := c.sign(parts[0] + "." + id + "." + exp)
	if !hmac.Equal([]byte(expected), []byte(tag)) {
		return Claims{}, ErrInvalidToken
	}

	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || unix < 0 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{SessionID: id, ExpiresAt: time.Unix(unix, 0)}, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func isURLSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	return true
}
