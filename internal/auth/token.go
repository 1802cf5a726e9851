package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// A caller token is "<claims>.<mac>": the JSON claims and their HMAC-SHA256,
// each in unpadded base64url.

// Claims identify the caller of one request. Email is empty for anonymous
// members. Iat is optional.
type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
	Iat   int64  `json:"iat,omitempty"`
	Exp   int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// clockSkew is how far in the future a token's Iat may lie.
const clockSkew = 30 * time.Second

var segment = base64.RawURLEncoding

func IssueToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("issue token: empty secret")
	}
	if claims.Sub == "" || claims.Exp == 0 {
		return "", fmt.Errorf("issue token: subject and expiry are required")
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	body := segment.EncodeToString(raw)
	return body + "." + segment.EncodeToString(mac(secret, body)), nil
}

// ParseToken checks the signature before it looks at the claims.
func ParseToken(secret []byte, token string) (Claims, error) {
	return parseTokenAt(secret, token, time.Now())
}

func parseTokenAt(secret []byte, token string, now time.Time) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, ErrInvalidToken
	}
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || strings.Contains(sig, ".") {
		return Claims{}, ErrInvalidToken
	}
	got, err := segment.DecodeString(sig)
	if err != nil || !hmac.Equal(got, mac(secret, body)) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := segment.DecodeString(body)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	switch {
	case claims.Sub == "" || claims.Exp == 0:
		return Claims{}, ErrInvalidToken
	case claims.Iat != 0 && time.Unix(claims.Iat, 0).After(now.Add(clockSkew)):
		return Claims{}, ErrInvalidToken
	case !now.Before(time.Unix(claims.Exp, 0)):
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func mac(secret []byte, body string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(body))
	return h.Sum(nil)
}
