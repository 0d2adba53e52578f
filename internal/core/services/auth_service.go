package services

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c *Claims) HasAnyRole(roles []string) bool {
	for _, r := range c.Roles {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

type claimsKey struct{}

// WithClaims stores validated claims on ctx so later checks skip parsing.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

type AuthConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
	// QueryParam names the URL parameter consulted when the request has no
	// Authorization header. Empty disables it.
	QueryParam string
	AdminRoles []string
	StaffRoles []string
}

// TokenAuthorizer implements ports.Authorizer on HS256 bearer tokens whose
// "roles" claim carries the caller's roles. Admins are also staff.
type TokenAuthorizer struct {
	secret     []byte
	ttl        time.Duration
	queryParam string
	adminRoles []string
	staffRoles []string
}

func NewTokenAuthorizer(cfg AuthConfig) *TokenAuthorizer {
	return &TokenAuthorizer{
		secret:     []byte(cfg.Secret),
		ttl:        cfg.AccessTokenTTL,
		queryParam: cfg.QueryParam,
		adminRoles: cfg.AdminRoles,
		staffRoles: cfg.StaffRoles,
	}
}

func (a *TokenAuthorizer) GenerateToken(subject string, roles ...string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *TokenAuthorizer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the configured query parameter.
func (a *TokenAuthorizer) TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if a.queryParam != "" {
		return r.URL.Query().Get(a.queryParam)
	}
	return ""
}

// Authenticate returns the request's claims, from the context when an
// earlier middleware already validated them.
func (a *TokenAuthorizer) Authenticate(r *http.Request) (*Claims, error) {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims, nil
	}
	token := a.TokenFromRequest(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return a.ValidateToken(token)
}

func (a *TokenAuthorizer) IsAdmin(r *http.Request) bool {
	claims, err := a.Authenticate(r)
	if err != nil {
		return false
	}
	return claims.HasAnyRole(a.adminRoles)
}

func (a *TokenAuthorizer) IsStaff(r *http.Request) bool {
	claims, err := a.Authenticate(r)
	if err != nil {
		return false
	}
	return claims.HasAnyRole(a.staffRoles) || claims.HasAnyRole(a.adminRoles)
}
