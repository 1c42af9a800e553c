// Package httpapi is the echo-based HTTP surface of mevzuatd.
//
// Routes split into three groups: public (health, metrics, maintenance
// status), user (ask, search, history, feedback, credits) and admin
// (document catalog, credit grants, maintenance switch). Handlers stay
// thin: bind, validate, call the service, translate the error taxonomy.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/auth"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/catalog"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/query"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/httpapi"

// QueryService is the ask/search surface the handlers drive.
type QueryService interface {
	Ask(ctx context.Context, req query.Request) (*query.AskResponse, error)
	Search(ctx context.Context, req query.Request) (*query.SearchResponse, error)
	History(ctx context.Context, userID string, limit, offset int) ([]*model.QueryLog, error)
	Feedback(ctx context.Context, fb *model.Feedback) error
}

// CatalogService is the document management surface.
type CatalogService interface {
	Upload(ctx context.Context, in catalog.UploadInput) (*model.Document, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Document, error)
	List(ctx context.Context, f metastore.DocumentFilter) ([]*model.Document, error)
	Reprocess(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// CreditService is the ledger surface.
type CreditService interface {
	Account(ctx context.Context, userID string) (*model.User, error)
	History(ctx context.Context, userID string, limit, offset int) ([]*model.CreditTransaction, error)
	Grant(ctx context.Context, userID string, kind model.TxnKind, amount int64, description string) (*model.CreditTransaction, error)
	EnsureAccount(ctx context.Context, user *model.User) error
}

// MaintenanceStore reads and writes the system-wide maintenance flag.
type MaintenanceStore interface {
	GetMaintenanceFlag(ctx context.Context) (*model.MaintenanceFlag, error)
	SetMaintenanceFlag(ctx context.Context, flag *model.MaintenanceFlag) error
}

// Config holds the HTTP server settings.
type Config struct {
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// MaxUploadBytes bounds the multipart body of the upload endpoint.
	MaxUploadBytes int64
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 100_000_000
	}
}

// Options carries the server dependencies.
type Options struct {
	Config Config

	Query       QueryService
	Catalog     CatalogService
	Credits     CreditService
	Maintenance MaintenanceStore
	Coordinator *cache.Coordinator
	Verifier    auth.Verifier

	Logger *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	queries  QueryService
	docs     CatalogService
	credits  CreditService
	flags    MaintenanceStore
	coord    *cache.Coordinator
	verifier auth.Verifier
	validate *validator.Validate
	logger   *logging.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Query == nil || opts.Catalog == nil || opts.Credits == nil {
		return nil, fmt.Errorf("httpapi: query, catalog and credit services are required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("httpapi: a credential verifier is required")
	}
	cfg := opts.Config
	cfg.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		cfg:      cfg,
		queries:  opts.Query,
		docs:     opts.Catalog,
		credits:  opts.Credits,
		flags:    opts.Maintenance,
		coord:    opts.Coordinator,
		verifier: opts.Verifier,
		validate: validator.New(),
		logger:   logger,
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%d", cfg.MaxUploadBytes+1<<20)))
	e.Use(s.requestLog())
	e.Use(NewMetrics(logger).Middleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/maintenance/status", s.handleMaintenanceStatus)

	authn := auth.Middleware(s.verifier)

	user := e.Group("/api/user", authn)
	user.POST("/ask", s.handleAsk, s.maintenanceGate())
	user.POST("/search", s.handleSearch, s.maintenanceGate())
	user.GET("/search-history", s.handleHistory)
	user.POST("/feedback", s.handleFeedback)
	user.GET("/credits", s.handleCredits)
	user.GET("/credits/history", s.handleCreditHistory)

	admin := e.Group("/api/admin", authn, auth.RequireAdmin())
	admin.POST("/documents/upload", s.handleUpload, s.maintenanceGate())
	admin.GET("/documents", s.handleListDocuments)
	admin.GET("/documents/:id", s.handleGetDocument)
	admin.POST("/documents/:id/reprocess", s.handleReprocess)
	admin.DELETE("/documents/:id", s.handleDeleteDocument)
	admin.POST("/credits/grant", s.handleGrant)
	admin.PUT("/maintenance", s.handleSetMaintenance)
}

// requestLog emits one structured line per request.
func (s *Server) requestLog() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			s.logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, used by route tests.
func (s *Server) Handler() http.Handler { return s.echo }
