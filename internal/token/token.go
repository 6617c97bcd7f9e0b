// Package token implements the opaque resume credential issued on subscribe
// and presented on reconnect. A token is a base64url JSON claims block plus an
// HMAC-SHA256 signature over it, so it round-trips exactly and cannot be
// forged or tampered with without the server's secret.
//
// Decode never fails loudly: any malformed, truncated, or tampered input
// yields (Claims{}, false). Expiry, user match, and boot-epoch checks are the
// protocol handler's job — the codec only guarantees integrity.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Claims is the data carried inside a resume token.
type Claims struct {
	UserID     string `json:"userId"`
	LastSeq    uint64 `json:"lastSeq"`
	IssuedAtMs int64  `json:"issuedAtMs"`

	// BootID identifies the server process that issued the token. Sequence
	// numbers restart at zero on every boot, so a token from a different
	// boot must never be used to replay.
	BootID string `json:"bootId"`
}

// Codec signs and verifies resume tokens.
type Codec struct {
	secret []byte
}

// NewCodec builds a Codec keyed by secret. An empty secret is replaced by a
// random per-process key: tokens then never survive a restart, which is safe
// because stale tokens downgrade to a fresh snapshot.
func NewCodec(secret string) *Codec {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		// rand.Read never fails on supported platforms.
		_, _ = rand.Read(key)
	}
	return &Codec{secret: key}
}

// Encode serializes and signs the claims into an opaque token string.
func (c *Codec) Encode(claims Claims) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		// Claims is a plain struct; marshal cannot fail.
		panic("token: marshal claims: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + c.sign(payload)
}

// Decode verifies and parses a token. The second return value is false for
// malformed input, a bad signature, or any decode failure. Decode never panics.
func (c *Codec) Decode(tok string) (Claims, bool) {
	dot := strings.IndexByte(tok, '.')
	if dot < 0 {
		return Claims{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(tok[:dot])
	if err != nil {
		return Claims{}, false
	}

	if !hmac.Equal([]byte(c.sign(payload)), []byte(tok[dot+1:])) {
		return Claims{}, false
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, false
	}
	if claims.UserID == "" {
		return Claims{}, false
	}
	return claims, true
}

// sign returns the base64url HMAC-SHA256 signature of payload.
func (c *Codec) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
