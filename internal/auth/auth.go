// Package auth verifies the HS256 tokens issued by the surrounding platform
// and resolves them to a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"livesession/pkg/types"
)

// CookieName is checked when no bearer token is present.
const CookieName = "auth_token"

// Identity is the caller as asserted by a verified token.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Claims carries the role next to the registered claims; the subject is the user ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates and issues tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and returns its identity. Every failure wraps
// types.ErrUnauthorized.
func (v *Verifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", types.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	if !types.IsValidUserID(claims.Subject) {
		return nil, fmt.Errorf("%w: token subject is not a valid user id", types.ErrUnauthorized)
	}
	return &Identity{UserID: claims.Subject, Role: strings.ToUpper(claims.Role)}, nil
}

// FromRequest looks for a token in the query string (?token=), the
// Authorization header, then the auth cookie.
func (v *Verifier) FromRequest(r *http.Request) (*Identity, error) {
	return v.Verify(TokenFromRequest(r))
}

// TokenFromRequest extracts the raw token without verifying it.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// IssueToken signs a token for userID. Used by the CLI and tests.
func (v *Verifier) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	if !types.IsValidUserID(userID) {
		return "", fmt.Errorf("%w: invalid user id", types.ErrInvalidInput)
	}
	if len(v.secret) == 0 {
		return "", errors.New("signing secret is empty")
	}
	now := v.now()
	claims := Claims{
		Role: strings.ToUpper(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// Middleware authenticates every request with resolve and stores the
// identity in the request context. Failures go to reject and stop the chain.
func Middleware(resolve func(*http.Request) (*Identity, error), reject func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolve(r)
			if err != nil {
				reject(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
