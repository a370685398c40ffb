package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// TenantClaim is the bearer token payload used to identify the caller's company.
type TenantClaim struct {
	CompanyId string `json:"company_id"`
	jwt.StandardClaims
}

func TenantTokenGenerate(secret, companyId string, lifespan time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token secret is empty")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &TenantClaim{
		CompanyId: companyId,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(lifespan).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})
	return t.SignedString([]byte(secret))
}

// TenantTokenValidate parses an HS256 token and returns its claim.
func TenantTokenValidate(secret, token string) (*TenantClaim, error) {
	parsed, err := jwt.ParseWithClaims(token, &TenantClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*TenantClaim)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claim.CompanyId == "" {
		return nil, errors.New("token has no company_id")
	}
	return claim, nil
}
