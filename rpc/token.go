package rpc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// EnrollmentClaims is the JWT payload a worker or admin client presents to
// enroll onto the RPC layer: which kind of principal it claims to be
// (worker/admin), alongside the registered expiry/issued-at claims.
type EnrollmentClaims struct {
	Kind string `json:"kind"` // "worker" or "admin"
	jwt.StandardClaims
}

// IssueToken mints a signed enrollment token for kind, valid for ttl,
// signed with HMAC-SHA256 under signingKey. This is what
// server.Server.RotateEnrollmentToken hands operators to distribute to
// workers out of band.
func IssueToken(signingKey []byte, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := EnrollmentClaims{
		Kind: kind,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("sign enrollment token: %w", err)
	}
	return signed, nil
}

// ParseToken validates tokenString against signingKey and returns its
// claims, rejecting anything expired or signed with the wrong key/method.
func ParseToken(signingKey []byte, tokenString string) (*EnrollmentClaims, error) {
	claims := &EnrollmentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse enrollment token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("enrollment token is not valid")
	}
	return claims, nil
}
