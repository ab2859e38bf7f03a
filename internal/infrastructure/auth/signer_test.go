package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSigner_RoundTrip(t *testing.T) {
	s, err := NewSigner(testSecret)
	require.NoError(t, err)

	tok := token.New(token.Spec{TaskID: "t1", TaskType: token.TaskAnalysis, MaxTTLSeconds: 60, MaxUses: 1}, time.Now())
	bearer, err := s.Sign(tok)
	require.NoError(t, err)

	id, err := s.Verify(bearer)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, id)
}

func TestSigner_ExpiredBearerStillYieldsID(t *testing.T) {
	s, err := NewSigner(testSecret)
	require.NoError(t, err)

	tok := token.New(token.Spec{TaskID: "t1", TaskType: token.TaskAnalysis, MaxTTLSeconds: 30, MaxUses: 1},
		time.Now().Add(-time.Hour))
	bearer, err := s.Sign(tok)
	require.NoError(t, err)

	id, err := s.Verify(bearer)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, id)
}

func TestSigner_RejectsTampering(t *testing.T) {
	s, err := NewSigner(testSecret)
	require.NoError(t, err)
	other, err := NewSigner("another-secret-of-enough-length")
	require.NoError(t, err)

	tok := token.New(token.Spec{TaskID: "t1", TaskType: token.TaskAnalysis, MaxTTLSeconds: 60, MaxUses: 1}, time.Now())
	bearer, err := other.Sign(tok)
	require.NoError(t, err)

	_, err = s.Verify(bearer)
	assert.True(t, errors.IsValidation(err))

	_, err = s.Verify("not-a-jwt")
	assert.True(t, errors.IsValidation(err))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, TokenClaims{TokenID: tok.ID})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Verify(unsigned)
	assert.True(t, errors.IsValidation(err))
}

func TestNewSigner_RejectsShortSecret(t *testing.T) {
	_, err := NewSigner("short")
	assert.True(t, errors.IsValidation(err))
}
