package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// idBytes は 256 ビットのエントロピーです。
const idBytes = 32

// GenerateID は暗号学的に安全なセッション ID を生成します。
func GenerateID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
