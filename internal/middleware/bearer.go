package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
    "errors"
    "net/http"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/podly/pod-rental/internal/token"
)

// ClaimsKey is the context key under which verified token claims are
// stored for downstream handlers.
const ClaimsKey = "claims"

// RequireScope returns an Echo middleware that validates a Bearer
// token against the expected lifecycle scope and injects the verified
// claims into the request context.  Auth failures are surfaced
// directly to the caller as 401 responses with a kind discriminator;
// they are never silently recovered.
func RequireScope(issuer *token.Issuer, scope token.Scope) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            auth := c.Request().Header.Get("Authorization")
            if !strings.HasPrefix(auth, "Bearer ") {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_invalid", "message": "missing bearer token"})
            }
            raw := strings.TrimPrefix(auth, "Bearer ")

            claims, err := issuer.Verify(raw, scope)
            if err != nil {
                switch {
                case errors.Is(err, token.ErrTokenExpired):
                    return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_expired", "message": "token has expired"})
                case errors.Is(err, token.ErrScopeMismatch):
                    return c.JSON(http.StatusUnauthorized, echo.Map{"error": "scope_mismatch", "message": "token scope does not authorize this operation"})
                default:
                    return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token_invalid", "message": "invalid token"})
                }
            }

            c.Set(ClaimsKey, claims)
            return next(c)
        }
    }
}

// GetClaims extracts the verified claims stored by RequireScope.  It
// returns nil when the middleware did not run for this route.
func GetClaims(c echo.Context) *token.Claims {
    claims, _ := c.Get(ClaimsKey).(*token.Claims)
    return claims
}
