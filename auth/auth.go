package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrNoBearerToken = errors.New("no authorization bearer token provided")
	ErrInvalidToken  = errors.New("invalid bearer token")
)

type AuthenticatedUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type AuthClaims struct {
	AuthenticatedUser
	jwt.RegisteredClaims
}

// Verifier validates and issues HS256 bearer tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) ValidateBearerToken(authHeader string) (*AuthenticatedUser, error) {
	authz := strings.Fields(authHeader)
	if len(authz) != 2 || !strings.EqualFold(authz[0], "Bearer") {
		return nil, ErrNoBearerToken
	}
	return v.VerifyToken(authz[1])
}

func (v *Verifier) VerifyToken(token string) (*AuthenticatedUser, error) {
	parsed, err := jwt.ParseWithClaims(token, &AuthClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*AuthClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: missing email claim", ErrInvalidToken)
	}
	return &claims.AuthenticatedUser, nil
}

// GenerateToken signs a token for user. A zero ttl issues a token without expiry.
func (v *Verifier) GenerateToken(user AuthenticatedUser, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AuthClaims{
		AuthenticatedUser: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
