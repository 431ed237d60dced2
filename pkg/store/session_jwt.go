package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minJWTSecretLength = 32

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (o JWTOptions) withDefaults() JWTOptions {
	o.Issuer = strings.TrimSpace(o.Issuer)
	o.Audience = strings.TrimSpace(o.Audience)
	if o.Issuer == "" {
		o.Issuer = "copyreg"
	}
	if o.Audience == "" {
		o.Audience = "copyreg-api"
	}
	if o.Leeway <= 0 {
		o.Leeway = 30 * time.Second
	}
	return o
}

// sessionClaims carries the issue instant in milliseconds next to the
// standard claims, so a per-user cutoff taken right after a password change
// does not also kill the session issued in the same second.
type sessionClaims struct {
	jwt.RegisteredClaims
	IssuedAtMillis int64 `json:"iat_ms"`
}

func (c sessionClaims) issued() time.Time {
	if c.IssuedAtMillis > 0 {
		return time.UnixMilli(c.IssuedAtMillis).UTC()
	}
	return c.IssuedAt.Time
}

// JWTSessionStore issues stateless HS256 session tokens. Logout and
// password changes are enforced through the revoker; without one, tokens
// stay valid until they expire.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	aud     string
	parser  *jwt.Parser
	revoker TokenRevoker
}

// NewJWTSessionStore builds an HS256 session store.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	key := strings.TrimSpace(secret)
	switch {
	case len(key) < minJWTSecretLength:
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minJWTSecretLength)
	case ttl <= 0:
		return nil, errors.New("jwt ttl must be positive")
	}
	opts = opts.withDefaults()
	return &JWTSessionStore{
		secret: []byte(key),
		ttl:    ttl,
		issuer: opts.Issuer,
		aud:    opts.Audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(opts.Issuer),
			jwt.WithAudience(opts.Audience),
			jwt.WithLeeway(opts.Leeway),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
		revoker: revoker,
	}, nil
}

// NewSession signs a token for userID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.aud},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		IssuedAtMillis: now.UnixMilli(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// GetUserIDByToken returns the subject of a valid, unrevoked token.
// Forged, expired and revoked tokens report ok=false; err is reserved for
// revoker failures.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, ok := s.verify(token)
	if !ok {
		return "", false, nil
	}
	live, err := s.live(claims)
	if err != nil || !live {
		return "", false, err
	}
	return claims.Subject, true, nil
}

func (s *JWTSessionStore) live(claims sessionClaims) (bool, error) {
	if s.revoker == nil {
		return true, nil
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return false, nil
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return true, nil
	}
	cutoff, err := users.RevokedAfter(claims.Subject)
	if err != nil {
		return false, fmt.Errorf("check user revocation: %w", err)
	}
	return cutoff.IsZero() || !claims.issued().Before(cutoff), nil
}

// DeleteSession revokes the token until it would have expired. Tokens that
// no longer verify need no revocation.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, ok := s.verify(token)
	if !ok {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUserSessions invalidates every session of userID issued before since.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return users.RevokeUser(userID, since)
}

func (s *JWTSessionStore) verify(token string) (sessionClaims, bool) {
	var claims sessionClaims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, false
	}
	_, err := s.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return claims, false
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return claims, false
	}
	return claims, true
}
