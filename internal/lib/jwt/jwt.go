package jwt

import (
	"errors"
	"fmt"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// ParsePrincipal verifies a token issued by the external login layer and
// extracts the caller's identity. This service never issues tokens.
func ParsePrincipal(tokenString string, secret []byte) (models.Principal, error) {
	const op = "jwt.ParsePrincipal"

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return models.Principal{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Principal{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	principal := models.Principal{
		ID:               claimString(claims, "sub"),
		Username:         claimString(claims, "username"),
		Role:             models.Role(claimString(claims, "role")),
		AssignedCategory: claimString(claims, "assigned_category"),
	}

	if principal.ID == "" || !principal.Role.Valid() {
		return models.Principal{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return principal, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
