package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// API scopes.
const (
	ScopeRead  = "dunning:read"
	ScopeWrite = "dunning:write"
)

type principalKey struct{}

// Principal is the authenticated caller of an API request.
type Principal struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// TokenVerifier turns a bearer token into a principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// OIDCVerifier accepts ID tokens signed by an OpenID Connect issuer. Scopes come from
// the space separated "scope" claim or the "scp" array.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's signing keys and checks the audience.
func NewOIDCVerifier(ctx context.Context, issuer, audience string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: audience})}, nil
}

// NewOIDCVerifierWithKeys verifies against a fixed key set instead of discovery.
func NewOIDCVerifierWithKeys(issuer, audience string, keys oidc.KeySet, cfg *oidc.Config) *OIDCVerifier {
	if cfg == nil {
		cfg = &oidc.Config{}
	}
	cfg.ClientID = audience
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keys, cfg)}
}

type scopeClaims struct {
	Scope string          `json:"scope"`
	Scp   json.RawMessage `json:"scp"`
}

// Verify checks signature, issuer, audience and expiry.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	var claims scopeClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	p := &Principal{Subject: token.Subject, Scopes: strings.Fields(claims.Scope)}
	if len(claims.Scp) > 0 {
		var scp []string
		if err := json.Unmarshal(claims.Scp, &scp); err == nil {
			p.Scopes = append(p.Scopes, scp...)
		} else {
			var one string
			if json.Unmarshal(claims.Scp, &one) == nil {
				p.Scopes = append(p.Scopes, strings.Fields(one)...)
			}
		}
	}
	return p, nil
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	verifier TokenVerifier
	optional bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			errorResponse(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			errorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		principal, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			errorResponse(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// WithPrincipal stores the principal in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal returns the authenticated principal, or nil.
func GetPrincipal(r *http.Request) *Principal {
	p, _ := r.Context().Value(principalKey{}).(*Principal)
	return p
}

// RequireScope rejects requests whose principal lacks scope. Without an authenticator
// in front of it every request passes, which is how an unauthenticated deployment runs.
func RequireScope(scope string, enforced bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enforced {
				next.ServeHTTP(w, r)
				return
			}
			p := GetPrincipal(r)
			if p == nil {
				errorResponse(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !p.HasScope(scope) {
				errorResponse(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ErrNoVerifier is returned when authentication is requested without an issuer.
var ErrNoVerifier = errors.New("no token verifier configured")

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
