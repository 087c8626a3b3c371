package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessExpiry = 15 * time.Minute

	// issuer marks tokens minted by this process. Server tokens carry none
	// and are read through ParseCredentials instead.
	issuer = "retrosync"
)

// Claims is the access-token payload shared with the chat server.
type Claims struct {
	UserID int64 `json:"user_id,string"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HMAC-signed access tokens. The bridge
// uses it for its local clients and the loopback backend for demo users.
type TokenService struct {
	secret []byte
	expiry time.Duration
	parser *jwt.Parser
}

// NewTokenService creates a TokenService with the given HMAC secret. A zero
// expiry selects the default of 15 minutes.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	if expiry == 0 {
		expiry = defaultAccessExpiry
	}
	return &TokenService{
		secret: []byte(secret),
		expiry: expiry,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// GenerateAccessToken signs a token for userID.
func (ts *TokenService) GenerateAccessToken(userID int64) (string, error) {
	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.expiry)),
		},
	}).SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken checks the signature, issuer and expiry of a token
// and returns its claims.
func (ts *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := ts.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if claims.UserID <= 0 {
		return nil, ErrNoUser
	}
	return claims, nil
}

// Authenticate validates a token and returns its user id in wire form.
func (ts *TokenService) Authenticate(tokenString string) (string, error) {
	claims, err := ts.ValidateAccessToken(tokenString)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(claims.UserID, 10), nil
}
