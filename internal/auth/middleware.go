package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// Middleware authenticates every request through the verifier and stores
// the identity on the request context. Requests without a valid bearer
// token are rejected before the handler runs.
func Middleware(verifier Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				return ErrUnauthenticated
			}
			id, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				return err
			}
			ctx := WithIdentity(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireAdmin rejects authenticated requests whose identity lacks the
// admin role. It must run after Middleware.
func RequireAdmin() echo.MiddlewareFunc {
	return RequireRole(model.RoleAdmin)
}

// RequireRole rejects requests whose identity does not hold the given role.
// Admins pass every role check.
func RequireRole(role model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := FromContext(c.Request().Context())
			if id == nil {
				return ErrUnauthenticated
			}
			if id.Role != role && !id.IsAdmin() {
				return apperr.New(apperr.KindForbidden, "bu işlem için yetkiniz yok")
			}
			return next(c)
		}
	}
}
