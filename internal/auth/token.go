package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

// DefaultTokenTTL is how long a minted bearer token stays valid.
const DefaultTokenTTL = 300 * time.Second

// Claims are the registered claims carried by a replication token.
type Claims struct {
	jwt.RegisteredClaims
}

// MintToken returns an HS256 token issued by issuer and valid for ttl from now.
func MintToken(secret, issuer string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("mint token: empty secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the token signature against secret and that it has not
// expired at now.
func VerifyToken(tokenString, secret string, now time.Time) (*Claims, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, syncerr.New(syncerr.ErrAuth, "verify token", "malformed token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrAuth, "verify token", err)
	}
	if !token.Valid {
		return nil, syncerr.New(syncerr.ErrAuth, "verify token", "invalid token")
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", syncerr.New(syncerr.ErrAuth, "bearer", "missing Authorization header")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || tokenString == "" {
		return "", syncerr.New(syncerr.ErrAuth, "bearer", "invalid Authorization header format")
	}
	return tokenString, nil
}
