// Package auth verifies bearer tokens for both the HTTP API and the
// realtime handshake.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers expired, malformed and signature-invalid tokens.
var ErrInvalidToken = errors.New("invalid token")

// ScopePublish lets a token enqueue notification jobs through the HTTP API.
// End-user tokens do not carry it.
const ScopePublish = "notifications:publish"

// Claims is the verified principal carried by a token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	Raw       map[string]any
}

// HasScope reports whether the token was granted scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenVerifier validates a bearer token and returns its principal.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier validates HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	method jwtlib.SigningMethod
	leeway time.Duration
	now    func() time.Time
}

// NewJWTVerifier builds a verifier for the shared secret. alg is one of
// HS256, HS384 or HS512 (empty means HS256).
func NewJWTVerifier(secret, alg string, leeway time.Duration) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTVerifier{secret: []byte(secret), method: method, leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the verifier clock for deterministic tests.
func (v *JWTVerifier) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{v.method.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(v.leeway),
		jwtlib.WithTimeFunc(v.now),
	)
	parsed, err := parser.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: claims type mismatch", ErrInvalidToken)
	}
	sub, err := mc.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	claims := &Claims{Subject: sub, Scopes: parseScopes(mc["scope"]), Raw: mc}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	return claims, nil
}

// Sign issues a token for subject. Token issuance belongs to the identity
// service; this exists for tests and local tooling.
func (v *JWTVerifier) Sign(subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := v.now()
	mc := jwtlib.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		mc["scope"] = strings.Join(scopes, " ")
	}
	return jwtlib.NewWithClaims(v.method, mc).SignedString(v.secret)
}

// parseScopes accepts the space-delimited "scope" string of RFC 8693 as
// well as a JSON array of strings.
func parseScopes(v any) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

var _ TokenVerifier = (*JWTVerifier)(nil)
