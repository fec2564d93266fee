package drm

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexPair renders a key as the "kid:key" hex form downstream tooling expects.
func (k ContentKey) HexPair() string {
	return hex.EncodeToString(k.ID) + ":" + hex.EncodeToString(k.Key)
}

// ParseClearKey parses a statically configured "kid:key" hex pair. Some
// providers hand out clear keys out of band instead of running a license
// server.
func ParseClearKey(pair string) (ContentKey, error) {
	kid, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
	if !ok {
		return ContentKey{}, fmt.Errorf("clearkey: want kid:key, got %q", pair)
	}
	id, err := hex.DecodeString(kid)
	if err != nil {
		return ContentKey{}, fmt.Errorf("clearkey: kid: %w", err)
	}
	k, err := hex.DecodeString(key)
	if err != nil {
		return ContentKey{}, fmt.Errorf("clearkey: key: %w", err)
	}
	if len(id) != 16 || len(k) != 16 {
		return ContentKey{}, fmt.Errorf("clearkey: kid and key must be 16 bytes")
	}
	return ContentKey{ID: id, Key: k}, nil
}

// HexToBase64URL converts a hex key component to the unpadded base64url
// encoding ClearKey JWK payloads use.
func HexToBase64URL(h string) (string, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("clearkey: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
