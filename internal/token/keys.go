package token

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// 用途ごとの鍵ラベルです。同じシークレットから独立した鍵を得るために使います。
const (
	PurposeSessionMAC = "session-gate/session-mac/v1"
	PurposeNavCookie  = "session-gate/nav-cookie/v1"
)

// DeriveKey はシークレットから用途別の 32 バイト鍵を HKDF-SHA256 で導出します。
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinKeyLength {
		return nil, fmt.Errorf("token: secret must be at least %d bytes", MinKeyLength)
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("token: derive key: %w", err)
	}
	return key, nil
}
