package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"leadflow/config"
)

// OperatorClaims identifies an operator of the admin surface.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// GenerateOperatorToken issues a short-lived HS256 token for the admin
// surface, signed with the shared operator secret.
func GenerateOperatorToken(operator string, ttl time.Duration) (string, error) {
	claims := &OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.AdminJWTSecret))
}

// ParseOperatorToken validates an admin-surface bearer token.
func ParseOperatorToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.AdminJWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
