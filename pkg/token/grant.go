package token

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// GrantClaims defines the payload of a signed JIT grant token.
type GrantClaims struct {
	Principal string `json:"principal"`
	GuildID   string `json:"guild_id"`
	Provider  string `json:"provider,omitempty"`
	Level     string `json:"level"`
	GrantID   int64  `json:"grant_id"`
	jwtlib.RegisteredClaims
}

// GenerateGrantToken issues a signed token covering a JIT permission grant.
// The token expiry matches the grant expiry so the front-end cannot present
// it past revocation-by-time.
func GenerateGrantToken(claims GrantClaims, secret string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwtlib.RegisteredClaims{
		Issuer:    "warden",
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(expiresAt),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseGrantToken validates and extracts claims from a grant token.
func ParseGrantToken(token string, secret string) (*GrantClaims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &GrantClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*GrantClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
