package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTokenTTL is the fallback validity for portal session tokens.
// Sessions are deliberately short; the access code remains the way back in.
const DefaultSessionTokenTTL = 30 * time.Minute

// SessionClaims are the custom claims embedded in portal session tokens.
type SessionClaims struct {
	SupplierID   string  `json:"sup"`
	AssistanceID *string `json:"ast,omitempty"`
	jwt.RegisteredClaims
}

// SessionTokenConfig bundles the configuration for the token service.
type SessionTokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  func() time.Time
}

// SessionTokenService signs and validates the scoped session tokens handed
// out after a successful access-code validation.
type SessionTokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionTokenService constructs a SessionTokenService.
func NewSessionTokenService(cfg SessionTokenConfig) (*SessionTokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session token: secret must be provided")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &SessionTokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// Generate issues a signed token scoped to the supplier and, when present,
// one assistance.
func (s *SessionTokenService) Generate(supplierID string, assistanceID *string) (string, error) {
	if supplierID == "" {
		return "", errors.New("session token: supplier id is required")
	}

	now := s.now()
	claims := &SessionClaims{
		SupplierID:   supplierID,
		AssistanceID: assistanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   supplierID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("session token: sign: %w", err)
	}

	return signed, nil
}

// Validate parses a signed token and returns its claims.
func (s *SessionTokenService) Validate(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, errors.New("session token: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims SessionClaims
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("session token: parse: %w", err)
	}

	return &claims, nil
}
