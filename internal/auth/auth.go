// Package auth resolves the caller's identity from the session credential.
// Credentials are HS256 JWTs whose subject is the user id, carried either in
// the session cookie or an Authorization bearer header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/gemish/backend/pkg/utils"
)

var (
	ErrNoCredential = errors.New("no session credential")
	ErrInvalidToken = errors.New("invalid session token")
)

// Principal is a verified caller.
type Principal struct {
	UserID string
}

type contextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal attached by Middleware, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// Verifier validates session tokens.
type Verifier struct {
	secret     []byte
	cookieName string
	now        func() time.Time
}

// NewVerifier builds a verifier for tokens signed with secret and read from
// cookieName.
func NewVerifier(secret, cookieName string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	return &Verifier{secret: []byte(secret), cookieName: cookieName, now: time.Now}, nil
}

// IssueToken mints a token for userID valid for ttl.
func (v *Verifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses raw and returns its principal.
func (v *Verifier) Verify(raw string) (*Principal, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{UserID: claims.Subject}, nil
}

// Resolve reads the credential from the session cookie, falling back to a
// bearer header.
func (v *Verifier) Resolve(r *http.Request) (*Principal, error) {
	raw := ""
	if v.cookieName != "" {
		if cookie, err := r.Cookie(v.cookieName); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		header := r.Header.Get("Authorization")
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			raw = strings.TrimSpace(header[7:])
		}
	}
	if raw == "" {
		return nil, ErrNoCredential
	}
	return v.Verify(raw)
}

// Middleware attaches the principal to the request context when the
// credential verifies. It never rejects; handlers decide.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, err := v.Resolve(r); err == nil {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests without a principal.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
