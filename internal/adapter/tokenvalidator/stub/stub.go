// Package stub implements a deterministic domain.TokenValidator, standing
// in for the external identity provider this repo trusts by contract but
// does not itself implement. Tokens are minimal HS256 JWTs (header.claims.
// signature, base64url, no external JWT library), encoded and decoded by
// hand in this package.
package stub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// Validator issues and validates HS256 tokens carrying a user_id/email
// subject pair, signed with a shared secret. It satisfies
// domain.TokenValidator.
type Validator struct {
	secret []byte
}

// NewValidator constructs a stub Validator signing/verifying with secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

type stubClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Exp    int64  `json:"exp"`
}

// IssueToken mints a token for (userID, email) valid for ttl — used by
// tests and local tooling standing in for the real identity provider.
func (v *Validator) IssueToken(userID, email string, ttl time.Duration) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	claims := stubClaims{UserID: userID, Email: email, Exp: time.Now().Add(ttl).Unix()}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("op=stub.Validator.IssueToken: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("op=stub.Validator.IssueToken: %w", err)
	}

	enc := base64.RawURLEncoding
	unsigned := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(unsigned))
	sig := enc.EncodeToString(mac.Sum(nil))
	return unsigned + "." + sig, nil
}

// Validate verifies a bearer token's signature and expiry, returning its
// subject. Satisfies domain.TokenValidator.
func (v *Validator) Validate(ctx domain.Context, bearerToken string) (userID, email string, err error) {
	token := strings.TrimSpace(bearerToken)
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: %w", domain.ErrUnauthorized)
	}

	enc := base64.RawURLEncoding
	unsigned := parts[0] + "." + parts[1]
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: %w", domain.ErrUnauthorized)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(unsigned))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: %w", domain.ErrUnauthorized)
	}

	claimsJSON, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: %w", domain.ErrUnauthorized)
	}
	var claims stubClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: %w", domain.ErrUnauthorized)
	}
	if time.Now().Unix() >= claims.Exp {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: token expired: %w", domain.ErrUnauthorized)
	}
	if claims.UserID == "" {
		return "", "", fmt.Errorf("op=stub.Validator.Validate: %w", domain.ErrUnauthorized)
	}
	return claims.UserID, claims.Email, nil
}
