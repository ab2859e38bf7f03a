package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
)

const issuer = "privacy-decision-gateway"

// TokenClaims are the claims carried by a task token bearer.
type TokenClaims struct {
	jwt.RegisteredClaims
	TokenID   string   `json:"token_id"`
	TaskID    string   `json:"task_id"`
	DataScope []string `json:"data_scope"`
}

// Signer issues and verifies HS256 bearers for task tokens.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.NewValidationError("WEAK_SECRET", "token signing secret must be at least 16 bytes")
	}
	return &Signer{secret: []byte(secret)}, nil
}

func (s *Signer) Sign(t token.Token) (string, error) {
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   t.RequesterID,
			ID:        t.ID,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt()),
		},
		TokenID:   t.ID,
		TaskID:    t.TaskID,
		DataScope: t.DataScope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.NewInternalError("failed to sign token").WithCause(err)
	}
	return signed, nil
}

// Verify checks the signature and returns the embedded token id. Expiry is
// left to the vault so expired tokens are destroyed when presented.
func (s *Signer) Verify(bearer string) (string, error) {
	parsed, err := jwt.ParseWithClaims(bearer, &TokenClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", errors.NewValidationError("INVALID_BEARER", "token signature is invalid").WithCause(err)
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || claims.TokenID == "" {
		return "", errors.NewValidationError("INVALID_BEARER", "token claims are malformed")
	}
	return claims.TokenID, nil
}
