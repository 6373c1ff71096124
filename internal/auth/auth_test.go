package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestJWTVerifier_BearerHeader(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}, jwt.SigningMethodHS256, []byte(testSecret))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := NewJWTVerifier(testSecret).Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if userID != "alice" {
		t.Errorf("userID = %q, want alice", userID)
	}
}

func TestJWTVerifier_QueryTokenAndSubject(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "bob"}, jwt.SigningMethodHS256, []byte(testSecret))

	req := httptest.NewRequest("GET", "/ws?token="+token, nil)
	userID, err := NewJWTVerifier(testSecret).Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if userID != "bob" {
		t.Errorf("userID = %q, want bob", userID)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing", "", ErrMissingToken},
		{"wrong secret", signedToken(t, jwt.MapClaims{"user_id": "alice"}, jwt.SigningMethodHS256, []byte("other")), ErrInvalidToken},
		{"expired", signedToken(t, jwt.MapClaims{"user_id": "alice", "exp": time.Now().Add(-time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)), ErrInvalidToken},
		{"bad user id", signedToken(t, jwt.MapClaims{"user_id": "a b"}, jwt.SigningMethodHS256, []byte(testSecret)), ErrInvalidClaims},
		{"no identity", signedToken(t, jwt.MapClaims{"role": "x"}, jwt.SigningMethodHS256, []byte(testSecret)), ErrInvalidClaims},
		{"garbage", "not-a-jwt", ErrInvalidToken},
	}

	v := NewJWTVerifier(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if _, err := v.Authenticate(req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestQueryIdentity(t *testing.T) {
	a := New("")
	if _, ok := a.(QueryIdentity); !ok {
		t.Fatalf("New(\"\") = %T, want QueryIdentity", a)
	}

	userID, err := a.Authenticate(httptest.NewRequest("GET", "/ws?user_id=carol", nil))
	if err != nil || userID != "carol" {
		t.Errorf("Authenticate = %q, %v; want carol", userID, err)
	}

	if _, err := a.Authenticate(httptest.NewRequest("GET", "/ws", nil)); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}
	if _, err := a.Authenticate(httptest.NewRequest("GET", "/ws?user_id=bad%20id", nil)); err == nil {
		t.Error("expected invalid user id to be rejected")
	}
}

func TestNew_WithSecret(t *testing.T) {
	if _, ok := New("s3cret").(*JWTVerifier); !ok {
		t.Error("New with a secret should return a JWT verifier")
	}
}
