package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telhawk-systems/objtrigger/common/errs"
)

// TokenSource supplies the bearer token sent with each orchestrator call.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed bearer token. An empty token sends no Authorization header.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// FileToken reads the bearer token from a file on every call, so a mounted
// service-account token is picked up after rotation. Read failures are transient.
type FileToken string

func (f FileToken) Token() (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("%w: read token file %s: %w", errs.ErrTransientNetwork, string(f), err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: token file %s is empty", errs.ErrTransientNetwork, string(f))
	}
	return token, nil
}

// ServiceClaims identify the invoker to the orchestrator.
type ServiceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// ServiceTokenGenerator mints short-lived HS256 service tokens from a shared secret.
type ServiceTokenGenerator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewServiceTokenGenerator(secret, issuer string) *ServiceTokenGenerator {
	if issuer == "" {
		issuer = "objtrigger-invoker"
	}
	return &ServiceTokenGenerator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (g *ServiceTokenGenerator) Token() (string, error) {
	now := g.now()
	claims := ServiceClaims{
		Scope: "runs:create",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    g.issuer,
			Subject:   g.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}

// ErrInvalidToken is returned by ParseServiceToken for tokens this generator did not sign.
var ErrInvalidToken = errors.New("invalid token")

// ParseServiceToken validates a token minted by g.
func (g *ServiceTokenGenerator) ParseServiceToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewTokenSource picks, in order, a static token, a token file, a signed service
// token when a secret is set, or no credentials.
func NewTokenSource(staticToken, tokenFile, jwtSecret, issuer string) TokenSource {
	switch {
	case staticToken != "":
		return StaticToken(staticToken)
	case tokenFile != "":
		return FileToken(tokenFile)
	case jwtSecret != "":
		return NewServiceTokenGenerator(jwtSecret, issuer)
	default:
		return StaticToken("")
	}
}
