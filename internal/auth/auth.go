// Package auth verifies bearer JWTs. Tokens are either HMAC signed with a
// shared secret or signed by a key published in a JWKS document.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/your-org/tileflow/pkg/config"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// Principal is the authenticated caller. Subject is the owner id used for
// datasets and notification routing.
type Principal struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
}

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Principal, error)
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// New picks the JWKS verifier when a key set URL is configured and the
// shared-secret verifier otherwise.
func New(ctx context.Context, cfg config.AuthConfig) (Verifier, error) {
	if strings.TrimSpace(cfg.JWKSURL) != "" {
		return NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience, cfg.JWKSTTL, cfg.ClockSkew)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: AUTH_JWT_SECRET or AUTH_JWKS_URL is required")
	}
	return NewHMACVerifier([]byte(cfg.JWTSecret), cfg.Issuer, cfg.Audience, cfg.ClockSkew), nil
}

type tokenVerifier struct {
	parser  *jwt.Parser
	keyFunc jwt.Keyfunc
}

func newParser(methods []string, issuer, audience string, skew time.Duration) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return jwt.NewParser(opts...)
}

func (v *tokenVerifier) Verify(_ context.Context, rawToken string) (Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Principal{}, ErrMissingToken
	}
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(rawToken, claims, v.keyFunc); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, _ := claims.GetSubject()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name := stringClaim(claims, "name")
	if name == "" {
		name = stringClaim(claims, "preferred_username")
	}
	return Principal{
		Subject: subject,
		Email:   stringClaim(claims, "email"),
		Name:    name,
		Roles:   parseRoles(claims),
	}, nil
}

// NewHMACVerifier accepts HS256/384/512 tokens signed with secret.
func NewHMACVerifier(secret []byte, issuer, audience string, skew time.Duration) Verifier {
	return &tokenVerifier{
		parser: newParser([]string{"HS256", "HS384", "HS512"}, issuer, audience, skew),
		keyFunc: func(*jwt.Token) (any, error) {
			return secret, nil
		},
	}
}

// NewJWKSVerifier resolves signing keys by kid from a cached key set that is
// refreshed in the background every ttl.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience string, ttl, skew time.Duration) (Verifier, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(ttl)); err != nil {
		return nil, fmt.Errorf("register jwks: %w", err)
	}
	return &tokenVerifier{
		parser: newParser([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}, issuer, audience, skew),
		keyFunc: func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if strings.TrimSpace(kid) == "" {
				return nil, ErrUnknownKID
			}
			set, err := cache.Get(ctx, jwksURL)
			if err != nil {
				return nil, fmt.Errorf("fetch jwks: %w", err)
			}
			key, ok := set.LookupKeyID(kid)
			if !ok {
				return nil, ErrUnknownKID
			}
			var raw any
			if err := key.Raw(&raw); err != nil {
				return nil, fmt.Errorf("decode jwk %s: %w", kid, err)
			}
			return raw, nil
		},
	}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token and stores the
// principal on the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tileflow"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func parseRoles(claims jwt.MapClaims) []string {
	var roles []string
	seen := map[string]bool{}
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" || seen[role] {
			return
		}
		seen[role] = true
		roles = append(roles, role)
	}
	for _, key := range []string{"roles", "role"} {
		switch t := claims[key].(type) {
		case []any:
			for _, role := range t {
				if s, ok := role.(string); ok {
					add(s)
				}
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		}
	}
	if scp, ok := claims["scp"].(string); ok {
		for _, scope := range strings.Fields(scp) {
			add(scope)
		}
	}
	return roles
}
