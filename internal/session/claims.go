package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the unverified access token fields the CLI displays or uses to
// infer expiry. The signature is the server's concern.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

func parseClaims(token string) (Claims, bool) {
	if token == "" {
		return Claims{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, false
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, false
	}
	var out Claims
	if sub, err := mapClaims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if email, ok := mapClaims["email"].(string); ok {
		out.Email = email
	}
	return out, true
}
