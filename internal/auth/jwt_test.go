package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHS256RoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate("user-1", "u1@example.com", "admin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	id, err := svc.Identity(token)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id.Subject() != "user-1" || !id.IsPlatformAdmin() {
		t.Fatalf("identity = %+v", id)
	}

	other := NewJWTService("other-secret", 1)
	if _, err := other.Identity(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret err = %v, want ErrInvalidToken", err)
	}
}

func TestExpiredToken(t *testing.T) {
	svc := NewJWTService("secret", 1)
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestMissingSubjectIsRejected(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Identity(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSubjectIDAcceptsStringsAndNumbers(t *testing.T) {
	tests := []struct {
		raw  string
		want SubjectID
	}{
		{`{"user_id":"abc"}`, "abc"},
		{`{"user_id":" abc "}`, "abc"},
		{`{"user_id":42}`, "42"},
		{`{"user_id":null}`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var c Claims
		if err := json.Unmarshal([]byte(tt.raw), &c); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if c.UserID != tt.want {
			t.Errorf("%s: user_id = %q, want %q", tt.raw, c.UserID, tt.want)
		}
	}
	var c Claims
	if err := json.Unmarshal([]byte(`{"user_id":true}`), &c); err == nil {
		t.Fatal("expected error for boolean user_id")
	}
}

func TestRS256WithBareBase64Key(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	svc, err := NewRS256Service(base64.StdEncoding.EncodeToString(der))
	if err != nil {
		t.Fatalf("NewRS256Service: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"user_id": 7,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := svc.Identity(token)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id.Subject() != "7" {
		t.Fatalf("subject = %q, want 7", id.Subject())
	}

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "x"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hs: %v", err)
	}
	if _, err := svc.Identity(hs); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("hs256 against rs256 validator err = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.Generate("x", "", ""); err == nil {
		t.Fatal("expected Generate to fail in rs256 mode")
	}
}

func TestNewIdentity(t *testing.T) {
	if _, err := NewIdentity("  ", ""); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("blank subject err = %v", err)
	}
	long := make([]byte, maxSubjectLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := NewIdentity(string(long), ""); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("long subject err = %v", err)
	}
	id, err := NewIdentity(" u1 ", " member ")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if id.Subject() != "u1" || id.Role() != "member" || id.IsZero() || id.IsPlatformAdmin() {
		t.Fatalf("identity = %+v", id)
	}
	if !(Identity{}).IsZero() {
		t.Fatal("zero identity should report IsZero")
	}
}
