package stub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

func TestValidator_IssueAndValidate_RoundTrip(t *testing.T) {
	v := NewValidator("test-secret")
	token, err := v.IssueToken("u1", "u1@example.com", time.Hour)
	require.NoError(t, err)

	userID, email, err := v.Validate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "u1@example.com", email)
}

func TestValidator_Validate_RejectsBadSignature(t *testing.T) {
	v := NewValidator("secret-a")
	token, err := v.IssueToken("u1", "u1@example.com", time.Hour)
	require.NoError(t, err)

	other := NewValidator("secret-b")
	_, _, err = other.Validate(context.Background(), token)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestValidator_Validate_RejectsExpiredToken(t *testing.T) {
	v := NewValidator("secret")
	token, err := v.IssueToken("u1", "u1@example.com", -time.Minute)
	require.NoError(t, err)

	_, _, err = v.Validate(context.Background(), token)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestValidator_Validate_RejectsMalformedToken(t *testing.T) {
	v := NewValidator("secret")
	_, _, err := v.Validate(context.Background(), "not-a-token")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}
