package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token fields the client cares about. The server signed
// the token; the client only reads it, so the signature is not verified
// here.
type Claims struct {
	UserID string
	Email  string
	Role   string
}

// ParseClaims extracts claims from an access token without verification.
func ParseClaims(accessToken string) (Claims, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parsing access token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	claims := Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.UserID = sub
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}

	// The app stores the marketplace role in user metadata, with the
	// top-level claim as a GoTrue default ("authenticated").
	if meta, ok := mapClaims["user_metadata"].(map[string]any); ok {
		if role, ok := meta["role"].(string); ok && role != "" {
			claims.Role = role
		}
	}

	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("access token missing sub claim")
	}
	return claims, nil
}

// IsAdmin reports whether the claims carry the admin role.
func (c Claims) IsAdmin() bool {
	return c.Role == "admin"
}
