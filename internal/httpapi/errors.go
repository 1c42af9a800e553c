package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
)

// errorBody is the uniform error payload.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	// RefundTxnID rides on generator failures so the client can show the
	// compensating refund.
	RefundTxnID string `json:"refund_txn_id,omitempty"`

	// RetryAfterSeconds mirrors the Retry-After header on 429 responses.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	// Title and Detail carry the maintenance announcement.
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// handleError translates the error taxonomy into HTTP responses. Unknown
// errors become opaque 500s; the cause is logged, never leaked.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, errorBody{Error: "invalid_input", Message: msg})
		return
	}

	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	body := errorBody{
		Error:   string(kind),
		Message: publicMessage(err, kind),
	}

	meta := apperr.MetaOf(err)
	if v, ok := meta["refund_txn_id"].(string); ok {
		body.RefundTxnID = v
	}
	if v, ok := meta["retry_after_seconds"].(int); ok && v > 0 {
		body.RetryAfterSeconds = v
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", v))
	}
	if v, ok := meta["title"].(string); ok {
		body.Title = v
	}
	if v, ok := meta["message"].(string); ok {
		body.Detail = v
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	_ = c.JSON(status, body)
}

// publicMessage returns the classified message, or a generic one for
// unclassified errors whose text may embed internals.
func publicMessage(err error, kind apperr.Kind) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	if kind == apperr.KindInternal {
		return "beklenmeyen bir hata oluştu"
	}
	return err.Error()
}
