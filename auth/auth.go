// Package auth issues and checks the bearer tokens that guard writes to a
// session row. A token's subject is the session id it may write.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "scenesync"

var ErrWrongSession = errors.New("token does not grant this session")

type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs HS256 session tokens. A nil Issuer disables auth.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if secret == "" {
		return nil
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Enabled() bool {
	return i != nil
}

// Issue returns a token for sessionID. It returns an empty token when auth is
// disabled.
func (i *Issuer) Issue(sessionID string) (string, error) {
	if i == nil {
		return "", nil
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  sessionID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	if i == nil {
		return nil, fmt.Errorf("auth disabled")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Authorize checks that tokenString grants writes to sessionID.
func (i *Issuer) Authorize(tokenString, sessionID string) error {
	if i == nil {
		return nil
	}
	claims, err := i.Parse(tokenString)
	if err != nil {
		return err
	}
	if claims.Subject != sessionID {
		return ErrWrongSession
	}
	return nil
}
