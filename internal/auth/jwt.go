package auth

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// SubjectID is the user_id claim. The identity service has issued it both as a
// JSON string and as a number, so both decode into the same text form.
type SubjectID string

// UnmarshalJSON accepts a string or a number.
func (s *SubjectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = SubjectID(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user_id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*s = SubjectID(strconv.FormatInt(i, 10))
		return nil
	}
	*s = SubjectID(n.String())
	return nil
}

// Claims holds JWT claims including user ID and role.
type Claims struct {
	UserID SubjectID `json:"user_id"`
	Email  string    `json:"email,omitempty"`
	Role   string    `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTService validates bearer tokens. Tokens are minted by the identity service;
// Generate exists for local tooling and tests and only works in HMAC mode.
type JWTService struct {
	secret      []byte
	publicKey   *rsa.PublicKey
	expireHours int
}

// NewJWTService creates an HS256 JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// NewRS256Service creates a validator for tokens signed by the identity service's
// RSA key. publicKey may be a full PEM block or just its base64 body.
func NewRS256Service(publicKey string) (*JWTService, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(normalizePEM(publicKey)))
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	return &JWTService{publicKey: key}, nil
}

func normalizePEM(key string) string {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "-----BEGIN") {
		return key
	}
	return "-----BEGIN PUBLIC KEY-----\n" + key + "\n-----END PUBLIC KEY-----\n"
}

// Generate creates a new HS256 JWT for the subject.
func (s *JWTService) Generate(userID, email, role string) (string, error) {
	if s.publicKey != nil {
		return "", errors.New("token generation requires an hmac secret")
	}
	claims := Claims{
		UserID: SubjectID(userID),
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *JWTService) keyFunc(t *jwt.Token) (interface{}, error) {
	if s.publicKey != nil {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return s.publicKey, nil
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrInvalidToken
	}
	return s.secret, nil
}

// Identity validates a token and returns the caller identity it carries.
func (s *JWTService) Identity(tokenString string) (Identity, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return Identity{}, err
	}
	id, err := NewIdentity(string(claims.UserID), claims.Role)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
