package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserEmailKey contextKey = "user_email"
)

// DevUserID is the owner assumed for unauthenticated requests in development.
const DevUserID = "dev-user"

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches verification to HS256. Development and tests only.
	SigningKey []byte
	Skipper    middleware.Skipper
}

// JWTMiddleware validates the bearer token of every request and stores the
// subject as the authenticated user. Without a SigningKey or JWKSURL the
// JWKS location is discovered from the issuer.
func JWTMiddleware(cfg JWTConfig) (echo.MiddlewareFunc, error) {
	keyfunc, methods, err := resolveKeyfunc(cfg)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			raw, err := bearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, keyfunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx := WithUser(c.Request().Context(), claims.Subject)
			if claims.Email != "" {
				ctx = context.WithValue(ctx, UserEmailKey, claims.Email)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}, nil
}

func resolveKeyfunc(cfg JWTConfig) (jwt.Keyfunc, []string, error) {
	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		return func(*jwt.Token) (interface{}, error) { return key, nil }, []string{"HS256"}, nil
	}

	url := cfg.JWKSURL
	if url == "" {
		if cfg.Issuer == "" {
			return nil, nil, fmt.Errorf("auth: one of signing key, jwks url or issuer is required")
		}
		d, err := Discover(cfg.Issuer)
		if err != nil {
			return nil, nil, err
		}
		url = d.JWKSURI
	}
	return NewKeySet(url, defaultKeyTTL).Keyfunc(), []string{"RS256"}, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so upgrade requests may pass access_token instead.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := r.URL.Query().Get("access_token"); token != "" && isWebSocketUpgrade(r) {
			return token, nil
		}
		return "", fmt.Errorf("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(echo.HeaderUpgrade), "websocket")
}

// DevAuthMiddleware lets requests without an Authorization header through as
// DevUserID. Requests that do carry a token are handed to verify when set.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		checked := next
		if verify != nil {
			checked = verify(next)
		}
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) != "" {
				return checked(c)
			}
			ctx := WithUser(c.Request().Context(), DevUserID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireUser rejects requests that reached the handler without an
// authenticated user.
func RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if UserIDFromContext(c.Request().Context()) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(UserEmailKey).(string)
	return email
}
