// Package ledger is the credit accounting service. It fronts the metastore
// ledger primitives, classifies their failures for the API surface, and
// owns the signup grant.
//
// Every paid operation reserves credits up front; a downstream failure
// refunds the reservation exactly once. The metastore serializes mutations
// per user, so this layer stays free of locking concerns.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/ledger"

// Store is the slice of the metastore the ledger service needs.
type Store interface {
	Deduct(ctx context.Context, userID string, cost int64, queryLogID *uuid.UUID, description string) (*model.CreditTransaction, error)
	Refund(ctx context.Context, deductionID uuid.UUID, description string) (*model.CreditTransaction, error)
	Grant(ctx context.Context, userID string, kind model.TxnKind, amount int64, description string) (*model.CreditTransaction, error)
	Balance(ctx context.Context, userID string) (int64, error)
	TransactionsByUser(ctx context.Context, userID string, limit, offset int) ([]*model.CreditTransaction, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	EnsureUser(ctx context.Context, user *model.User) (bool, error)
	VerifyLedger(ctx context.Context, userID string) error
}

// Config tunes the ledger service.
type Config struct {
	// CostPerAsk is the credit price of one answered question.
	CostPerAsk int64

	// InitialGrant is the signup credit grant.
	InitialGrant int64
}

// Service is the credit accounting service.
type Service struct {
	store  Store
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
}

var _ CreditLedger = (*Service)(nil)

// CreditLedger is the surface the query and catalog services consume.
type CreditLedger interface {
	Reserve(ctx context.Context, userID string, queryLogID *uuid.UUID) (*model.CreditTransaction, error)
	Refund(ctx context.Context, deductionID uuid.UUID, reason string) (*model.CreditTransaction, error)
	Grant(ctx context.Context, userID string, kind model.TxnKind, amount int64, description string) (*model.CreditTransaction, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Account(ctx context.Context, userID string) (*model.User, error)
	History(ctx context.Context, userID string, limit, offset int) ([]*model.CreditTransaction, error)
	EnsureAccount(ctx context.Context, user *model.User) error
	Verify(ctx context.Context, userID string) error
}

// New builds the service.
func New(store Store, cfg Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Reserve charges the configured ask cost from the user. Admin accounts get
// a zero-amount ledger entry. Returns an insufficient-credits error when
// the balance cannot cover the cost.
func (s *Service) Reserve(ctx context.Context, userID string, queryLogID *uuid.UUID) (*model.CreditTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.reserve")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	txn, err := s.store.Deduct(ctx, userID, s.cfg.CostPerAsk, queryLogID, "soru ücreti")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, classify(err, "reserving credits")
	}
	return txn, nil
}

// Refund returns a reserved deduction after a downstream failure. A second
// refund of the same deduction is rejected.
func (s *Service) Refund(ctx context.Context, deductionID uuid.UUID, reason string) (*model.CreditTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.refund")
	defer span.End()
	span.SetAttributes(attribute.String("deduction_id", deductionID.String()))

	txn, err := s.store.Refund(ctx, deductionID, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, classify(err, "refunding credits")
	}
	s.logger.Info(ctx, "credits refunded",
		zap.String("deduction_id", deductionID.String()),
		zap.String("refund_id", txn.ID.String()),
		zap.Int64("amount", txn.Amount))
	return txn, nil
}

// Grant appends a positive credit grant (admin operation or signup).
func (s *Service) Grant(ctx context.Context, userID string, kind model.TxnKind, amount int64, description string) (*model.CreditTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.grant")
	defer span.End()

	if amount <= 0 {
		return nil, apperr.Newf(apperr.KindInvalidInput, "grant amount must be positive, got %d", amount)
	}
	txn, err := s.store.Grant(ctx, userID, kind, amount, description)
	if err != nil {
		span.RecordError(err)
		return nil, classify(err, "granting credits")
	}
	return txn, nil
}

// Balance returns the user's spendable balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		return 0, classify(err, "reading balance")
	}
	return balance, nil
}

// Account loads the user's account record (role and balance).
func (s *Service) Account(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, classify(err, "reading account")
	}
	return user, nil
}

// History lists the user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*model.CreditTransaction, error) {
	txns, err := s.store.TransactionsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, classify(err, "listing transactions")
	}
	return txns, nil
}

// EnsureAccount creates the user row on first sight and applies the signup
// grant once.
func (s *Service) EnsureAccount(ctx context.Context, user *model.User) error {
	ctx, span := s.tracer.Start(ctx, "ledger.ensure_account")
	defer span.End()

	created, err := s.store.EnsureUser(ctx, user)
	if err != nil {
		span.RecordError(err)
		return classify(err, "ensuring account")
	}
	if !created || s.cfg.InitialGrant <= 0 {
		return nil
	}

	if _, err := s.store.Grant(ctx, user.ID, model.TxnInitial, s.cfg.InitialGrant, "hoş geldin kredisi"); err != nil {
		span.RecordError(err)
		return classify(err, "applying signup grant")
	}
	s.logger.Info(ctx, "account created with signup grant",
		zap.String("user_id", user.ID),
		zap.Int64("grant", s.cfg.InitialGrant))
	return nil
}

// Verify checks the user's ledger invariant and classifies a violation.
func (s *Service) Verify(ctx context.Context, userID string) error {
	if err := s.store.VerifyLedger(ctx, userID); err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return apperr.Wrap(apperr.KindNotFound, "user not found", err)
		}
		return apperr.Wrap(apperr.KindInvariantViolation, "ledger invariant violated", err)
	}
	return nil
}

// classify maps metastore sentinels onto the API error taxonomy.
func classify(err error, action string) error {
	switch {
	case errors.Is(err, metastore.ErrInsufficientCredits):
		return apperr.Wrap(apperr.KindInsufficientCredits, "credit balance too low", err)
	case errors.Is(err, metastore.ErrAlreadyRefunded):
		return apperr.Wrap(apperr.KindInvalidInput, "deduction already refunded", err)
	case errors.Is(err, metastore.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, action, err)
	default:
		return apperr.Wrap(apperr.KindAdapterUnavailable, action, err)
	}
}
