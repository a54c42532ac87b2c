// Package auth guards the operator API with JWT bearer tokens. Webhook
// routes stay public; providers authenticate per payload instead.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/voyzcrm/messaging/internal/config"
)

const contextKey = "user"

// Claims carry the authenticated CRM user.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// GenerateToken issues a signed token for a CRM user.
func GenerateToken(cfg config.AuthConfig, userID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Middleware returns the JWT middleware with the given route skipper.
func Middleware(cfg config.AuthConfig, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		Skipper:    skipper,
		ContextKey: contextKey,
		SigningKey: []byte(cfg.JWTSecret),
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return &Claims{}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		},
	})
}

// PublicRoutes is the default skipper: health probes and provider
// webhooks never carry operator tokens.
func PublicRoutes(c echo.Context) bool {
	path := c.Request().URL.Path
	if path == "/ping" || path == "/health" {
		return true
	}
	return strings.HasPrefix(path, "/integrations/") && strings.HasSuffix(path, "/webhook")
}

// UserID returns the authenticated user id, or "" on public routes.
func UserID(c echo.Context) string {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok {
		return ""
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ""
	}
	return claims.UserID
}
