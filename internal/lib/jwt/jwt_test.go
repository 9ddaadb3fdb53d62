package jwt

import (
	"testing"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestParsePrincipal(t *testing.T) {
	tokenString := signToken(t, testSecret, jwt.MapClaims{
		"sub":               "user-42",
		"username":          "door-north",
		"role":              "bouncer",
		"assigned_category": "vip",
		"exp":               time.Now().Add(time.Hour).Unix(),
	})

	principal, err := ParsePrincipal(tokenString, testSecret)
	require.NoError(t, err)

	assert.Equal(t, "user-42", principal.ID)
	assert.Equal(t, "door-north", principal.Username)
	assert.Equal(t, models.RoleBouncer, principal.Role)
	assert.Equal(t, "vip", principal.AssignedCategory)
}

func TestParsePrincipal_WrongSecret(t *testing.T) {
	tokenString := signToken(t, []byte("other-secret"), jwt.MapClaims{
		"sub":  "user-42",
		"role": "admin",
	})

	_, err := ParsePrincipal(tokenString, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParsePrincipal_Expired(t *testing.T) {
	tokenString := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "user-42",
		"role": "admin",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})

	_, err := ParsePrincipal(tokenString, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParsePrincipal_BadClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"missing sub", jwt.MapClaims{"role": "admin"}},
		{"missing role", jwt.MapClaims{"sub": "user-42"}},
		{"unknown role", jwt.MapClaims{"sub": "user-42", "role": "janitor"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenString := signToken(t, testSecret, tt.claims)
			_, err := ParsePrincipal(tokenString, testSecret)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParsePrincipal_Garbage(t *testing.T) {
	_, err := ParsePrincipal("not.a.token", testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
