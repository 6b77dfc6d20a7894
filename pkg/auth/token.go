package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means no bearer credentials were presented
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken covers bad signatures, expiry and malformed claims
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the settle-specific JWT claims. scope is space separated,
// as in OAuth2 access tokens.
type Claims struct {
	Scope   string  `json:"scope"`
	Tenants []int64 `json:"tenants"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens and turns them into principals
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewTokenVerifier creates a verifier; empty issuer or audience skip that check
func NewTokenVerifier(secret []byte, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
	}
}

// ParseBearer extracts the token from an Authorization header value
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(parts[1]), nil
}

// Verify validates tokenString and returns its principal
func (v *TokenVerifier) Verify(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	p := &Principal{Subject: claims.Subject, TenantIDs: claims.Tenants}
	for _, s := range strings.Fields(claims.Scope) {
		p.Capabilities = append(p.Capabilities, Capability(s))
	}
	return p, nil
}

// Issue signs a token for p valid for ttl. Used by operator tooling and tests.
func (v *TokenVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	scopes := make([]string, len(p.Capabilities))
	for i, c := range p.Capabilities {
		scopes[i] = string(c)
	}

	claims := Claims{
		Scope:   strings.Join(scopes, " "),
		Tenants: p.TenantIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
