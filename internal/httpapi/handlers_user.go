package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/auth"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/query"
)

// askRequest is the ask/search request body. K, threshold and use_cache are
// optional; absent fields take the configured defaults.
type askRequest struct {
	Query       string   `json:"query" validate:"required,max=1000"`
	Institution string   `json:"institution" validate:"max=200"`
	SessionID   string   `json:"session_id" validate:"max=100"`
	K           *int     `json:"k"`
	Threshold   *float64 `json:"threshold"`
	UseCache    *bool    `json:"use_cache"`
}

type feedbackRequest struct {
	QueryLogID string   `json:"query_log_id" validate:"required,uuid"`
	Kind       string   `json:"kind" validate:"required"`
	Rating     int      `json:"rating"`
	Comment    string   `json:"comment" validate:"max=2000"`
	Tags       []string `json:"tags" validate:"max=10"`
}

type creditsResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	IsAdmin bool   `json:"is_admin"`
}

func (s *Server) bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "malformed request body", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "request validation failed", err)
	}
	return nil
}

func identity(c echo.Context) (*auth.Identity, error) {
	id := auth.FromContext(c.Request().Context())
	if id == nil {
		return nil, auth.ErrUnauthenticated
	}
	return id, nil
}

func (s *Server) handleAsk(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req askRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	resp, err := s.queries.Ask(c.Request().Context(), query.Request{
		UserID:      id.UserID,
		SessionID:   req.SessionID,
		Query:       req.Query,
		Institution: req.Institution,
		K:           req.K,
		Threshold:   req.Threshold,
		UseCache:    req.UseCache,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req askRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	resp, err := s.queries.Search(c.Request().Context(), query.Request{
		UserID:      id.UserID,
		SessionID:   req.SessionID,
		Query:       req.Query,
		Institution: req.Institution,
		K:           req.K,
		Threshold:   req.Threshold,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	limit, offset := pagination(c, 20, 100)

	logs, err := s.queries.History(c.Request().Context(), id.UserID, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":  logs,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleFeedback(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req feedbackRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	queryLogID, err := parseUUID(req.QueryLogID)
	if err != nil {
		return err
	}

	fb := &model.Feedback{
		UserID:     id.UserID,
		QueryLogID: queryLogID,
		Kind:       model.FeedbackKind(req.Kind),
		Rating:     req.Rating,
		Comment:    req.Comment,
		Tags:       req.Tags,
	}
	if err := s.queries.Feedback(c.Request().Context(), fb); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fb)
}

func (s *Server) handleCredits(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	user, err := s.credits.Account(c.Request().Context(), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, creditsResponse{
		UserID:  user.ID,
		Balance: user.CreditBalance,
		IsAdmin: user.Role == model.RoleAdmin,
	})
}

func (s *Server) handleCreditHistory(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	limit, offset := pagination(c, 20, 100)

	txns, err := s.credits.History(c.Request().Context(), id.UserID, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":  txns,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleMaintenanceStatus(c echo.Context) error {
	flag := s.maintenanceFlag(c.Request().Context())
	if flag == nil {
		flag = &model.MaintenanceFlag{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"enabled": flag.ActiveAt(timeNow()),
		"title":   flag.Title,
		"message": flag.Message,
	})
}
