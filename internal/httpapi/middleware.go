package httpapi

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/auth"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// maintenanceGate blocks service endpoints while the maintenance flag is
// active. Admins and allowlisted users pass. The flag is memoized briefly,
// so a flip propagates within the memo lifetime rather than instantly.
func (s *Server) maintenanceGate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			flag := s.maintenanceFlag(c.Request().Context())
			if !flag.ActiveAt(time.Now()) {
				return next(c)
			}

			id := auth.FromContext(c.Request().Context())
			if id != nil && (id.IsAdmin() || flag.Allows(id.UserID)) {
				return next(c)
			}

			err := apperr.New(apperr.KindMaintenance, "sistem bakımda")
			if flag.Title != "" {
				err = err.WithMeta("title", flag.Title)
			}
			if flag.Message != "" {
				err = err.WithMeta("message", flag.Message)
			}
			return err
		}
	}
}

// maintenanceFlag reads the memoized flag, falling back to the metastore.
// Any failure degrades to "not in maintenance" so a cache or store outage
// never blocks traffic.
func (s *Server) maintenanceFlag(ctx context.Context) *model.MaintenanceFlag {
	if s.coord != nil {
		if flag, ok := s.coord.GetMaintenance(ctx); ok {
			return flag
		}
	}
	if s.flags == nil {
		return nil
	}
	flag, err := s.flags.GetMaintenanceFlag(ctx)
	if err != nil {
		return nil
	}
	if s.coord != nil {
		s.coord.StoreMaintenance(ctx, flag)
	}
	return flag
}
