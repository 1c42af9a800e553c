package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/catalog"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// timeNow is swapped in tests.
var timeNow = time.Now

type grantRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Kind        string `json:"kind" validate:"required,oneof=bonus purchase"`
	Description string `json:"description" validate:"max=500"`
}

type maintenanceRequest struct {
	Enabled        bool     `json:"enabled"`
	Title          string   `json:"title" validate:"max=200"`
	Message        string   `json:"message" validate:"max=2000"`
	StartsAt       *string  `json:"starts_at"`
	EndsAt         *string  `json:"ends_at"`
	AllowedUserIDs []string `json:"allowed_user_ids" validate:"max=50"`
}

// handleUpload ingests a multipart PDF upload. The document metadata rides
// in form fields next to the file part.
func (s *Server) handleUpload(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "a file part named \"file\" is required", err)
	}
	src, err := fh.Open()
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "unreadable file part", err)
	}
	defer src.Close()

	var publishedAt *time.Time
	if v := c.FormValue("published_at"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return apperr.Newf(apperr.KindInvalidInput, "published_at must be YYYY-MM-DD, got %q", v)
		}
		publishedAt = &t
	}

	var keywords []string
	if v := c.FormValue("keywords"); v != "" {
		for _, kw := range strings.Split(v, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
	}

	docType := c.FormValue("doc_type")
	if docType == "" {
		docType = string(model.DocTypeOther)
	}

	doc, err := s.docs.Upload(c.Request().Context(), catalog.UploadInput{
		Title:       c.FormValue("title"),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Content:     src,
		Institution: c.FormValue("institution"),
		DocType:     model.DocumentType(docType),
		Category:    c.FormValue("category"),
		Keywords:    keywords,
		PublishedAt: publishedAt,
		Language:    c.FormValue("language"),
		UploaderID:  id.UserID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	limit, offset := pagination(c, 50, 200)
	docs, err := s.docs.List(c.Request().Context(), metastore.DocumentFilter{
		ProcessingStatus: model.ProcessingStatus(c.QueryParam("processing_status")),
		Visibility:       model.Visibility(c.QueryParam("status")),
		Institution:      c.QueryParam("institution"),
		Limit:            limit,
		Offset:           offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":  docs,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetDocument(c echo.Context) error {
	id, err := parseUUID(c.Param("id"))
	if err != nil {
		return err
	}
	doc, err := s.docs.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleReprocess(c echo.Context) error {
	id, err := parseUUID(c.Param("id"))
	if err != nil {
		return err
	}
	if err := s.docs.Reprocess(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	id, err := parseUUID(c.Param("id"))
	if err != nil {
		return err
	}
	if err := s.docs.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "purge scheduled"})
}

func (s *Server) handleGrant(c echo.Context) error {
	var req grantRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	txn, err := s.credits.Grant(c.Request().Context(), req.UserID,
		model.TxnKind(req.Kind), req.Amount, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, txn)
}

func (s *Server) handleSetMaintenance(c echo.Context) error {
	if s.flags == nil {
		return apperr.New(apperr.KindAdapterUnavailable, "maintenance store not configured")
	}
	var req maintenanceRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	flag := &model.MaintenanceFlag{
		Enabled:        req.Enabled,
		Title:          req.Title,
		Message:        req.Message,
		AllowedUserIDs: req.AllowedUserIDs,
	}
	if req.StartsAt != nil {
		t, err := time.Parse(time.RFC3339, *req.StartsAt)
		if err != nil {
			return apperr.Newf(apperr.KindInvalidInput, "starts_at must be RFC 3339, got %q", *req.StartsAt)
		}
		flag.StartsAt = &t
	}
	if req.EndsAt != nil {
		t, err := time.Parse(time.RFC3339, *req.EndsAt)
		if err != nil {
			return apperr.Newf(apperr.KindInvalidInput, "ends_at must be RFC 3339, got %q", *req.EndsAt)
		}
		flag.EndsAt = &t
	}

	if err := s.flags.SetMaintenanceFlag(c.Request().Context(), flag); err != nil {
		return apperr.Wrap(apperr.KindAdapterUnavailable, "storing maintenance flag", err)
	}
	if s.coord != nil {
		s.coord.InvalidateMaintenance(c.Request().Context())
	}
	return c.JSON(http.StatusOK, flag)
}

// pagination reads limit/offset query parameters with bounds.
func pagination(c echo.Context, def, max int) (limit, offset int) {
	limit = def
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > max {
		limit = max
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperr.Newf(apperr.KindInvalidInput, "malformed id %q", s)
	}
	return id, nil
}
