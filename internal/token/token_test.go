package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseIdentity(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s := signed(t, jwt.MapClaims{
		"userId":         "u-42",
		"email":          "guard@example.com",
		"role":           "supervisor",
		"clearanceLevel": "3",
		"exp":            exp.Unix(),
	})

	id, err := ParseIdentity(s)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u-42" || id.Email != "guard@example.com" || id.Role != "supervisor" {
		t.Errorf("identity = %+v", id)
	}
	if id.Clearance != 3 {
		t.Errorf("clearance = %d, want 3", id.Clearance)
	}
	if !id.ExpiresAt.Equal(exp) {
		t.Errorf("expiresAt = %v, want %v", id.ExpiresAt, exp)
	}
	if id.Expired(time.Now()) {
		t.Error("fresh credential reported expired")
	}
	if !id.Expired(exp.Add(time.Minute)) {
		t.Error("stale credential not reported expired")
	}
}

func TestParseIdentityFallbackClaims(t *testing.T) {
	s := signed(t, jwt.MapClaims{
		"sub":              "cognito-user",
		"custom:role":      "officer",
		"custom:clearance": float64(2),
	})

	id, err := ParseIdentity(s)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "cognito-user" || id.Role != "officer" || id.Clearance != 2 {
		t.Errorf("identity = %+v", id)
	}
	if id.Expired(time.Now()) {
		t.Error("credential without exp must never expire")
	}
	if id.DisplayName() != "cognito-user" {
		t.Errorf("displayName = %q", id.DisplayName())
	}
}

func TestParseIdentityNoUser(t *testing.T) {
	s := signed(t, jwt.MapClaims{"email": "x@y.z"})
	// email alone is not an identity.
	if _, err := ParseIdentity(s); err == nil {
		t.Error("want error for credential without user id")
	}
}

func TestParseIdentityGarbage(t *testing.T) {
	if _, err := ParseIdentity("not-a-jwt"); err == nil {
		t.Error("want error for malformed credential")
	}
}
