// Package query orchestrates the ask and search surfaces.
//
// ask: cache lookup → credit reserve → retrieve → compose → score → audit
// log → cache store. Any failure after the reserve triggers a compensating
// refund whose transaction id rides on the error back to the client.
// search retrieves without generation and charges nothing.
package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/composer"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/ledger"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/planner"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/scorer"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/query"

// topSourceLimit caps the citations copied into the audit log.
const topSourceLimit = 3

// Retriever is the planner surface the service drives.
type Retriever interface {
	Normalize(req planner.Request) (*planner.Plan, error)
	Admit(ctx context.Context, userID string) error
	Retrieve(ctx context.Context, plan *planner.Plan) ([]planner.RetrievedPassage, error)
}

// AnswerComposer is the composer surface the service drives.
type AnswerComposer interface {
	Compose(ctx context.Context, query string, passages []planner.RetrievedPassage) (*composer.Result, error)
}

// Store is the slice of the metastore the service needs.
type Store interface {
	InsertQueryLog(ctx context.Context, entry *model.QueryLog) error
	GetQueryLog(ctx context.Context, id uuid.UUID) (*model.QueryLog, error)
	QueryLogsByUser(ctx context.Context, userID string, limit, offset int) ([]*model.QueryLog, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*model.Document, error)
	UpsertFeedback(ctx context.Context, fb *model.Feedback) error
}

// Request is one ask or search call.
type Request struct {
	UserID    string
	SessionID string

	Query       string
	Institution string
	K           *int
	Threshold   *float64
	UseCache    *bool
}

// AskResponse is the answer payload.
type AskResponse struct {
	QueryLogID uuid.UUID `json:"query_log_id"`
	Query      string    `json:"query"`

	Answer                 string              `json:"answer"`
	Citations              []composer.Citation `json:"citations,omitempty"`
	CitationsAuthoritative bool                `json:"citations_authoritative"`

	Reliability scorer.Breakdown `json:"reliability"`

	Cached         bool   `json:"cached"`
	Provider       string `json:"provider,omitempty"`
	ResultCount    int    `json:"result_count"`
	CreditsCharged int64  `json:"credits_charged"`
	ElapsedMS      int64  `json:"elapsed_ms"`
}

// SearchResponse is the retrieval-only payload.
type SearchResponse struct {
	QueryLogID uuid.UUID                  `json:"query_log_id"`
	Results    []planner.RetrievedPassage `json:"results"`
	ElapsedMS  int64                      `json:"elapsed_ms"`
}

// Service orchestrates queries.
type Service struct {
	retriever Retriever
	composers AnswerComposer
	credits   ledger.CreditLedger
	store     Store
	coord     *cache.Coordinator
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New builds the service.
func New(retriever Retriever, comp AnswerComposer, credits ledger.CreditLedger, store Store, coord *cache.Coordinator, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		retriever: retriever,
		composers: comp,
		credits:   credits,
		store:     store,
		coord:     coord,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
}

// Ask answers a question with generation. Cached answers are free and never
// touch the embedder or a provider.
func (s *Service) Ask(ctx context.Context, req Request) (*AskResponse, error) {
	ctx, span := s.tracer.Start(ctx, "query.ask")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID))
	start := s.now()

	plan, err := s.retriever.Normalize(planner.Request{
		Query:       req.Query,
		Institution: req.Institution,
		K:           req.K,
		Threshold:   req.Threshold,
		UseCache:    req.UseCache,
	})
	if err != nil {
		return nil, err
	}

	if err := s.retriever.Admit(ctx, req.UserID); err != nil {
		return nil, err
	}

	if plan.UseCache {
		if resp, ok := s.cachedAnswer(ctx, req, plan, start); ok {
			span.SetAttributes(attribute.Bool("cached", true))
			return resp, nil
		}
	}

	queryLogID := uuid.New()
	reservation, err := s.credits.Reserve(ctx, req.UserID, &queryLogID)
	if err != nil {
		// No work was done and nothing was charged; no audit entry.
		return nil, err
	}

	passages, err := s.retriever.Retrieve(ctx, plan)
	if err != nil {
		return nil, s.failWithRefund(ctx, req, plan, queryLogID, reservation, start, err)
	}

	result, err := s.composers.Compose(ctx, req.Query, passages)
	if err != nil {
		return nil, s.failWithRefund(ctx, req, plan, queryLogID, reservation, start, err)
	}

	breakdown := s.score(ctx, plan, passages, result)
	answer, authoritative := composer.Decorate(result.Answer, breakdown)

	resp := &AskResponse{
		QueryLogID:             queryLogID,
		Query:                  req.Query,
		Answer:                 answer,
		Citations:              result.Citations,
		CitationsAuthoritative: authoritative,
		Reliability:            breakdown,
		Provider:               result.Provider,
		ResultCount:            len(passages),
		CreditsCharged:         -reservation.Amount,
		ElapsedMS:              s.now().Sub(start).Milliseconds(),
	}

	entry := s.logEntry(req, plan, queryLogID, model.QueryAsk, start)
	entry.ResultCount = len(passages)
	entry.Reliability = breakdown.Reliability
	entry.Confidence = breakdown.Confidence
	entry.CreditsCharged = -reservation.Amount
	entry.TopSources = topSources(passages)
	entry.Metadata = map[string]any{
		"provider":   result.Provider,
		"tokens_in":  result.TokensIn,
		"tokens_out": result.TokensOut,
		"generated":  result.Generated,
	}
	s.writeLog(ctx, entry)

	if plan.UseCache && result.Generated {
		if payload, err := json.Marshal(resp); err == nil {
			s.coord.StoreAnswer(ctx, plan.Fingerprint, payload)
		}
	}

	s.logger.Info(ctx, "query answered",
		zap.String("query_log_id", queryLogID.String()),
		zap.Int("result_count", len(passages)),
		zap.Float64("reliability", breakdown.Reliability),
		zap.String("provider", result.Provider))
	return resp, nil
}

// Search retrieves passages without generation. Free of charge.
func (s *Service) Search(ctx context.Context, req Request) (*SearchResponse, error) {
	ctx, span := s.tracer.Start(ctx, "query.search")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID))
	start := s.now()

	plan, err := s.retriever.Normalize(planner.Request{
		Query:       req.Query,
		Institution: req.Institution,
		K:           req.K,
		Threshold:   req.Threshold,
		UseCache:    req.UseCache,
	})
	if err != nil {
		return nil, err
	}
	if err := s.retriever.Admit(ctx, req.UserID); err != nil {
		return nil, err
	}

	passages, err := s.retriever.Retrieve(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	queryLogID := uuid.New()
	entry := s.logEntry(req, plan, queryLogID, model.QuerySearch, start)
	entry.ResultCount = len(passages)
	entry.TopSources = topSources(passages)
	s.writeLog(ctx, entry)

	return &SearchResponse{
		QueryLogID: queryLogID,
		Results:    passages,
		ElapsedMS:  s.now().Sub(start).Milliseconds(),
	}, nil
}

// History returns the user's query log entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*model.QueryLog, error) {
	logs, err := s.store.QueryLogsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "listing query history", err)
	}
	return logs, nil
}

// Feedback stores the user's verdict on an answered query. The query log
// must exist and belong to the user.
func (s *Service) Feedback(ctx context.Context, fb *model.Feedback) error {
	entry, err := s.store.GetQueryLog(ctx, fb.QueryLogID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "query log not found", err)
	}
	if entry.UserID != fb.UserID {
		return apperr.New(apperr.KindForbidden, "query log belongs to another user")
	}
	if !model.ValidFeedbackKind(fb.Kind) {
		return apperr.Newf(apperr.KindInvalidInput, "unknown feedback kind %q", fb.Kind)
	}
	if fb.Kind == model.FeedbackRating && (fb.Rating < 1 || fb.Rating > 5) {
		return apperr.Newf(apperr.KindInvalidInput, "rating must be 1..5, got %d", fb.Rating)
	}
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if err := s.store.UpsertFeedback(ctx, fb); err != nil {
		return apperr.Wrap(apperr.KindAdapterUnavailable, "storing feedback", err)
	}
	return nil
}

// cachedAnswer serves a memoized answer. A fresh audit entry is written;
// cached answers charge nothing.
func (s *Service) cachedAnswer(ctx context.Context, req Request, plan *planner.Plan, start time.Time) (*AskResponse, bool) {
	payload, ok := s.coord.GetAnswer(ctx, plan.Fingerprint)
	if !ok {
		return nil, false
	}
	var resp AskResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		s.logger.Warn(ctx, "cached answer malformed, recomputing", zap.Error(err))
		return nil, false
	}

	queryLogID := uuid.New()
	resp.QueryLogID = queryLogID
	resp.Query = req.Query
	resp.Cached = true
	resp.CreditsCharged = 0
	resp.ElapsedMS = s.now().Sub(start).Milliseconds()

	entry := s.logEntry(req, plan, queryLogID, model.QueryAsk, start)
	entry.CacheUsed = true
	entry.ResultCount = resp.ResultCount
	entry.Reliability = resp.Reliability.Reliability
	entry.Confidence = resp.Reliability.Confidence
	s.writeLog(ctx, entry)

	return &resp, true
}

// failWithRefund compensates a reserved deduction, audits the failure and
// decorates the outgoing error with the refund transaction id.
func (s *Service) failWithRefund(ctx context.Context, req Request, plan *planner.Plan, queryLogID uuid.UUID, reservation *model.CreditTransaction, start time.Time, cause error) error {
	refund, refundErr := s.credits.Refund(ctx, reservation.ID, "soru başarısız, iade")
	if refundErr != nil {
		s.logger.Error(ctx, "refund after query failure did not land",
			zap.String("deduction_id", reservation.ID.String()),
			zap.Error(refundErr))
	}

	entry := s.logEntry(req, plan, queryLogID, model.QueryAsk, start)
	entry.Metadata = map[string]any{"error": string(apperr.KindOf(cause))}
	s.writeLog(ctx, entry)

	var e *apperr.Error
	if kind := apperr.KindOf(cause); kind != apperr.KindInternal {
		e = apperr.Wrap(kind, "ask failed", cause)
	} else {
		e = apperr.Wrap(apperr.KindInternal, "ask failed", cause)
	}
	if refund != nil {
		e = e.WithMeta("refund_txn_id", refund.ID.String())
	}
	return e
}

// score blends the retrieval and generation signals, pulling publication
// dates for the cited documents. A date lookup failure degrades to the
// neutral recency, never fails the request.
func (s *Service) score(ctx context.Context, plan *planner.Plan, passages []planner.RetrievedPassage, result *composer.Result) scorer.Breakdown {
	similarities := make([]float64, len(passages))
	uniqueDocs := make(map[uuid.UUID]struct{}, len(passages))
	for i, p := range passages {
		similarities[i] = p.Similarity
		uniqueDocs[p.DocumentID] = struct{}{}
	}

	published := make([]*time.Time, 0, len(uniqueDocs))
	for docID := range uniqueDocs {
		doc, err := s.store.GetDocument(ctx, docID)
		if err != nil {
			published = append(published, nil)
			continue
		}
		published = append(published, doc.PublishedAt)
	}

	return scorer.Score(scorer.Input{
		Similarities:    similarities,
		UniqueDocuments: len(uniqueDocs),
		K:               plan.K,
		AnswerChars:     len([]rune(result.Answer)),
		PublishedAt:     published,
		Now:             s.now(),
	})
}

func (s *Service) logEntry(req Request, plan *planner.Plan, id uuid.UUID, kind model.QueryKind, start time.Time) *model.QueryLog {
	return &model.QueryLog{
		ID:          id,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Query:       req.Query,
		Kind:        kind,
		Institution: plan.Institution,
		K:           plan.K,
		Threshold:   plan.Threshold,
		ResponseMS:  s.now().Sub(start).Milliseconds(),
	}
}

// writeLog appends the audit entry; a store outage is logged, not
// propagated, so an answered query still reaches the user.
func (s *Service) writeLog(ctx context.Context, entry *model.QueryLog) {
	if err := s.store.InsertQueryLog(ctx, entry); err != nil {
		s.logger.Error(ctx, "query log write failed",
			zap.String("query_log_id", entry.ID.String()),
			zap.Error(err))
	}
}

func topSources(passages []planner.RetrievedPassage) []model.SourceRef {
	n := len(passages)
	if n > topSourceLimit {
		n = topSourceLimit
	}
	refs := make([]model.SourceRef, 0, n)
	for _, p := range passages[:n] {
		refs = append(refs, model.SourceRef{
			DocumentID: p.DocumentID,
			Title:      p.Title,
			Page:       p.Page,
			Similarity: p.Similarity,
		})
	}
	return refs
}
