package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "", BearerToken(""))
	assert.Equal(t, "", BearerToken("Bearer "))
	assert.Equal(t, "", BearerToken("Basic dXNlcjpwYXNz"))
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier()
	v.Register("tok-1", Identity{UserID: "u1", Role: model.RoleUser})
	v.Register("  ", Identity{UserID: "ghost", Role: model.RoleAdmin})

	id, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, model.RoleUser, id.Role)

	_, err = v.Verify(context.Background(), "unknown")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	// Blank tokens never register.
	_, err = v.Verify(context.Background(), "")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func echoRequest(t *testing.T, header string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestMiddlewareStoresIdentity(t *testing.T) {
	v := NewStaticVerifier()
	v.Register("tok-admin", Identity{UserID: "a1", Role: model.RoleAdmin})

	var seen *Identity
	handler := Middleware(v)(func(c echo.Context) error {
		seen = FromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	c, _ := echoRequest(t, "Bearer tok-admin")
	require.NoError(t, handler(c))
	require.NotNil(t, seen)
	assert.Equal(t, "a1", seen.UserID)
	assert.True(t, seen.IsAdmin())
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	v := NewStaticVerifier()
	handler := Middleware(v)(func(c echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})

	c, _ := echoRequest(t, "")
	err := handler(c)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	c, _ = echoRequest(t, "Bearer bogus")
	err = handler(c)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRequireAdmin(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	c, _ := echoRequest(t, "")
	c.SetRequest(c.Request().WithContext(
		WithIdentity(c.Request().Context(), &Identity{UserID: "u1", Role: model.RoleUser})))
	err := RequireAdmin()(ok)(c)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	c, _ = echoRequest(t, "")
	c.SetRequest(c.Request().WithContext(
		WithIdentity(c.Request().Context(), &Identity{UserID: "a1", Role: model.RoleAdmin})))
	require.NoError(t, RequireAdmin()(ok)(c))

	// Unauthenticated request never reaches the role check.
	c, _ = echoRequest(t, "")
	err = RequireAdmin()(ok)(c)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRequireRoleAdminBypass(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	c, _ := echoRequest(t, "")
	c.SetRequest(c.Request().WithContext(
		WithIdentity(c.Request().Context(), &Identity{UserID: "a1", Role: model.RoleAdmin})))
	require.NoError(t, RequireRole(model.RolePremium)(ok)(c))
}
