package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("session-secret", "identity-platform")
	token, err := v.Issue(Identity{UserID: "user-bob", Email: "Bob@Example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user-bob" || id.Email != "bob@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier("session-secret", "identity-platform")
	v.now = func() time.Time { return now }

	sign := func(secret string, claims *Claims, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	base := func() *Claims {
		return &Claims{
			UserID:        "user-bob",
			Email:         "bob@example.com",
			EmailVerified: true,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "identity-platform",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	expired := base()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	unverified := base()
	unverified.EmailVerified = false
	wrongIssuer := base()
	wrongIssuer.Issuer = "someone-else"
	noEmail := base()
	noEmail.Email = ""

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"wrong secret", sign("other", base(), jwt.SigningMethodHS256), ErrInvalidToken},
		{"wrong algorithm", sign("session-secret", base(), jwt.SigningMethodHS512), ErrInvalidToken},
		{"expired", sign("session-secret", expired, jwt.SigningMethodHS256), ErrInvalidToken},
		{"wrong issuer", sign("session-secret", wrongIssuer, jwt.SigningMethodHS256), ErrInvalidToken},
		{"unverified email", sign("session-secret", unverified, jwt.SigningMethodHS256), ErrEmailUnverified},
		{"missing email", sign("session-secret", noEmail, jwt.SigningMethodHS256), ErrIncompleteClaims},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if tok, err := BearerToken("Bearer abc.def"); err != nil || tok != "abc.def" {
		t.Fatalf("unexpected %q %v", tok, err)
	}
	if _, err := BearerToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := BearerToken("Basic abc"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no identity")
	}
	ctx := WithIdentity(context.Background(), Identity{UserID: "u"})
	if id, ok := FromContext(ctx); !ok || id.UserID != "u" {
		t.Fatalf("identity not round-tripped")
	}
}
