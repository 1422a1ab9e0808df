package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-join-verify/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "joinverify"

// ErrNoSigningKey is returned by Sign when no private key was configured.
var ErrNoSigningKey = errors.New("no signing key configured")

// OperatorClaims is the payload of a token granting access to the admin
// listing.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Provider signs and verifies RS256 operator tokens. The server only needs
// the public key; the private key is loaded when a path is configured.
type Provider struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	expiry     time.Duration
}

func NewProvider(cfg *config.Config) (*Provider, error) {
	pubBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	p := &Provider{publicKey: pubKey, expiry: time.Duration(cfg.JWTExpiryDays) * 24 * time.Hour}

	if cfg.JWTPrivateKeyPath == "" {
		return p, nil
	}
	privBytes, err := os.ReadFile(cfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if p.privateKey, err = jwt.ParseRSAPrivateKeyFromPEM(privBytes); err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return p, nil
}

func (p *Provider) Sign(operator string) (string, error) {
	if p.privateKey == nil {
		return "", ErrNoSigningKey
	}
	now := time.Now()
	claims := OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(p.privateKey)
}

func (p *Provider) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.publicKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
