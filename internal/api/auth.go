package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/validator"

	"github.com/pv/aqua-alert-go/internal/model"
)

// AuthConfig задаёт проверку access-токенов, выпущенных бэкендом (HS256).
// Пустой Secret отключает проверку: все запросы получают роль admin.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

const (
	// DefaultAudience — audience токенов авторизованных пользователей бэкенда.
	DefaultAudience = "authenticated"
	DefaultIssuer   = "aqua-alert"
)

// userClaims — кастомные claims токена. Роль лежит в app_metadata.role.
type userClaims struct {
	Email       string `json:"email"`
	AppMetadata struct {
		Role string `json:"role"`
	} `json:"app_metadata"`
}

func (c *userClaims) Validate(context.Context) error { return nil }

// Authenticator проверяет токены и роли.
type Authenticator struct {
	mw *jwtmiddleware.JWTMiddleware
}

type roleKey struct{}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		log.Printf("[http] WARNING: auth secret is empty, role checks are disabled")
		return &Authenticator{}, nil
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	secret := []byte(cfg.Secret)
	v, err := validator.New(
		func(context.Context) (interface{}, error) { return secret, nil },
		validator.HS256,
		cfg.Issuer,
		[]string{cfg.Audience},
		validator.WithCustomClaims(func() validator.CustomClaims { return &userClaims{} }),
		validator.WithAllowedClockSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("api: auth validator: %w", err)
	}
	mw := jwtmiddleware.New(
		v.ValidateToken,
		jwtmiddleware.WithErrorHandler(authError),
		// браузерный WebSocket не умеет задавать заголовок Authorization
		jwtmiddleware.WithTokenExtractor(jwtmiddleware.MultiTokenExtractor(
			jwtmiddleware.AuthHeaderTokenExtractor,
			jwtmiddleware.ParameterTokenExtractor("access_token"),
		)),
	)
	return &Authenticator{mw: mw}, nil
}

// Enabled сообщает, проверяются ли токены.
func (a *Authenticator) Enabled() bool { return a != nil && a.mw != nil }

// Require пропускает запрос, только если роль пользователя не ниже required.
func (a *Authenticator) Require(required model.Role, next http.Handler) http.Handler {
	if !a.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, model.RoleAdmin)))
		})
	}
	gate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := roleFromClaims(r.Context())
		if !role.Has(required) {
			logDebugf("[http] %s %s: role %s, need %s", r.Method, r.URL.Path, role, required)
			writeError(w, http.StatusForbidden, fmt.Errorf("role %s required", required))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
	})
	return a.mw.CheckJWT(gate)
}

func roleFromClaims(ctx context.Context) model.Role {
	claims, ok := ctx.Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !ok || claims == nil {
		return model.RoleViewer
	}
	custom, ok := claims.CustomClaims.(*userClaims)
	if !ok {
		return model.RoleViewer
	}
	return model.ParseRole(custom.AppMetadata.Role)
}

// RoleFromContext возвращает роль, проставленную Require.
func RoleFromContext(ctx context.Context) model.Role {
	if role, ok := ctx.Value(roleKey{}).(model.Role); ok {
		return role
	}
	return model.RoleViewer
}

func authError(w http.ResponseWriter, r *http.Request, err error) {
	logDebugf("[http] %s %s: auth: %v", r.Method, r.URL.Path, err)
	if errors.Is(err, jwtmiddleware.ErrJWTMissing) {
		writeError(w, http.StatusUnauthorized, errors.New("access token is missing"))
		return
	}
	writeError(w, http.StatusUnauthorized, errors.New("access token is invalid"))
}
