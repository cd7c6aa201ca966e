// Package auth mints and checks the bearer tokens presented to the tool
// service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer    = "greek-room-mcp"
	DefaultAudience  = "greek-room-client"
	DefaultAlgorithm = "HS256"
	DefaultClientID  = "default-client"
)

var ErrNoSecret = errors.New("JWT secret is not configured")

// Claims is the payload understood by the tool service.
type Claims struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	Secret    []byte
	Algorithm string
	Issuer    string
	Audience  string
	now       func() time.Time
}

func NewIssuer(secret, algorithm, issuer, audience string) *Issuer {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Issuer{
		Secret:    []byte(secret),
		Algorithm: algorithm,
		Issuer:    issuer,
		Audience:  audience,
		now:       time.Now,
	}
}

type MintOptions struct {
	ClientID string
	// Subject defaults to ClientID.
	Subject string
	TTL     time.Duration
	Scopes  []string
}

func (i *Issuer) method() (jwt.SigningMethod, error) {
	m := jwt.GetSigningMethod(i.Algorithm)
	if m == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", i.Algorithm)
	}
	if !strings.HasPrefix(m.Alg(), "HS") {
		return nil, fmt.Errorf("signing algorithm %s needs a key pair; only HMAC is supported", m.Alg())
	}
	return m, nil
}

// Mint signs a new token.
func (i *Issuer) Mint(opts MintOptions) (string, *Claims, error) {
	if len(i.Secret) == 0 {
		return "", nil, ErrNoSecret
	}
	method, err := i.method()
	if err != nil {
		return "", nil, err
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.Subject == "" {
		opts.Subject = opts.ClientID
	}
	if opts.TTL <= 0 {
		opts.TTL = 365 * 24 * time.Hour
	}
	now := i.now().UTC()
	claims := &Claims{
		ClientID: opts.ClientID,
		Scopes:   opts.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Issuer,
			Audience:  jwt.ClaimStrings{i.Audience},
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(i.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, issuer, audience and expiry.
func (i *Issuer) Verify(token string) (*Claims, error) {
	if len(i.Secret) == 0 {
		return nil, ErrNoSecret
	}
	method, err := i.method()
	if err != nil {
		return nil, err
	}
	claims := &Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return i.Secret, nil
	},
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(i.Issuer),
		jwt.WithAudience(i.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Inspect decodes a token without checking its signature. It is meant for
// showing a user what a token contains.
func Inspect(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Expired reports whether claims carry an expiry that has passed at now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}
