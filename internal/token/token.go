// Package token extracts identity claims from the bearer credential handed
// to the daemon. The credential is opaque to this client: verification is
// the gateway's job, so claims are read without checking the signature.
package token

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the user identity carried by the bearer credential.
type Identity struct {
	UserID    string
	Email     string
	Role      string
	Clearance int
	ExpiresAt time.Time
}

// DisplayName returns the best available human-readable name.
func (id Identity) DisplayName() string {
	if id.Email != "" {
		return id.Email
	}
	return id.UserID
}

// Expired reports whether the credential has an expiry and it has passed.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// ParseIdentity reads identity claims from a JWT without verifying the
// signature. Claim keys follow the gateway authorizer: userId/sub, email,
// role, clearanceLevel (Cognito custom claims are also accepted).
func ParseIdentity(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return Identity{}, fmt.Errorf("parse credential: %w", err)
	}

	id := Identity{
		UserID:    stringClaim(claims, "userId", "sub"),
		Email:     stringClaim(claims, "email"),
		Role:      stringClaim(claims, "role", "custom:role"),
		Clearance: intClaim(claims, "clearanceLevel", "custom:clearance"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("credential carries no user identity")
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// intClaim accepts numeric or string-encoded values; the authorizer stamps
// clearanceLevel as a string.
func intClaim(claims jwt.MapClaims, keys ...string) int {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}
