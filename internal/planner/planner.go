// Package planner turns a raw question into an ordered set of retrieved
// passages.
//
// The planner owns admission (per-user rate limit), request defaulting and
// validation, the query-embedding memo, and the retrieval shape: search
// wider than requested, drop hits under the similarity floor, deduplicate
// near-identical citations, keep the best k.
package planner

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/embed"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/planner"

// Config tunes defaulting, admission and retrieval width.
type Config struct {
	KDefault         int
	KMax             int
	ThresholdDefault float64

	// Oversample widens the raw search to k*Oversample so threshold and
	// dedup drops still leave k survivors.
	Oversample int

	// AsksPerMinute is the per-user admission quota.
	AsksPerMinute int
}

func (c *Config) applyDefaults() {
	if c.KDefault <= 0 {
		c.KDefault = 5
	}
	if c.KMax <= 0 {
		c.KMax = 20
	}
	if c.ThresholdDefault == 0 {
		c.ThresholdDefault = 0.70
	}
	if c.Oversample <= 0 {
		c.Oversample = 2
	}
	if c.AsksPerMinute <= 0 {
		c.AsksPerMinute = 30
	}
}

// Request is the raw, client-supplied retrieval request. Nil optionals take
// configured defaults.
type Request struct {
	Query       string
	Institution string
	K           *int
	Threshold   *float64
	UseCache    *bool
}

// Plan is a validated, defaulted request plus its cache identity.
type Plan struct {
	Query       string
	Normalized  string
	Institution string
	K           int
	Threshold   float64
	UseCache    bool

	// Fingerprint identifies this exact retrieval in the answer cache.
	Fingerprint string
}

// RetrievedPassage is one passage selected for answer composition.
type RetrievedPassage struct {
	DocumentID uuid.UUID `json:"document_id"`
	Title      string    `json:"title"`
	Page       int       `json:"page"`
	LineStart  int       `json:"line_start"`
	LineEnd    int       `json:"line_end"`
	Text       string    `json:"text"`
	Similarity float64   `json:"similarity"`

	Institution string `json:"institution,omitempty"`
}

// Planner is the query planning service.
type Planner struct {
	embedder embed.Embedder
	index    vectorindex.Index
	coord    *cache.Coordinator
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer
}

// New builds the planner.
func New(embedder embed.Embedder, index vectorindex.Index, coord *cache.Coordinator, cfg Config, logger *logging.Logger) *Planner {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Planner{
		embedder: embedder,
		index:    index,
		coord:    coord,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Normalize validates the request, applies defaults and derives the cache
// fingerprint.
func (p *Planner) Normalize(req Request) (*Plan, error) {
	normalized := cache.NormalizeQuery(req.Query)
	if normalized == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "query must not be empty")
	}

	k := p.cfg.KDefault
	if req.K != nil {
		k = *req.K
		if k < 1 || k > p.cfg.KMax {
			return nil, apperr.Newf(apperr.KindInvalidInput, "k must be between 1 and %d, got %d", p.cfg.KMax, k)
		}
	}

	threshold := p.cfg.ThresholdDefault
	if req.Threshold != nil {
		threshold = *req.Threshold
		if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
			return nil, apperr.Newf(apperr.KindInvalidInput, "threshold must be in [0,1], got %v", threshold)
		}
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	return &Plan{
		Query:       req.Query,
		Normalized:  normalized,
		Institution: req.Institution,
		K:           k,
		Threshold:   threshold,
		UseCache:    useCache,
		Fingerprint: cache.Fingerprint(req.Query, req.Institution, k, threshold),
	}, nil
}

// Admit enforces the per-user admission quota. The counter lives in the
// cache and fails open when the cache is down.
func (p *Planner) Admit(ctx context.Context, userID string) error {
	allowed, retryAfter := p.coord.Allow(ctx, userID, p.cfg.AsksPerMinute, time.Now().UTC())
	if allowed {
		return nil
	}
	return apperr.Newf(apperr.KindRateLimited, "ask quota of %d per minute exceeded", p.cfg.AsksPerMinute).
		WithMeta("retry_after_seconds", int(math.Ceil(retryAfter.Seconds())))
}

// Retrieve embeds the query (memoized), searches wider than k, applies the
// similarity floor, deduplicates by (document, page) and keeps the best k.
// An empty result is not an error; the composer answers from no evidence.
func (p *Planner) Retrieve(ctx context.Context, plan *Plan) ([]RetrievedPassage, error) {
	ctx, span := p.tracer.Start(ctx, "planner.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("k", plan.K),
		attribute.Float64("threshold", plan.Threshold),
		attribute.String("institution", plan.Institution),
	)

	vector, err := p.queryVector(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	var filter *vectorindex.Filter
	if plan.Institution != "" {
		filter = &vectorindex.Filter{Institution: plan.Institution}
	}

	hits, err := p.index.Search(ctx, vector, plan.K*p.cfg.Oversample, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "vector search failed", err)
	}

	passages := selectPassages(hits, plan.K, plan.Threshold)
	span.SetAttributes(attribute.Int("result_count", len(passages)))
	return passages, nil
}

// queryVector returns the embedding for the plan's query, serving from the
// memo when possible.
func (p *Planner) queryVector(ctx context.Context, plan *Plan) ([]float32, error) {
	if vec, ok := p.coord.GetEmbedding(ctx, p.embedder.Model(), plan.Normalized); ok {
		return vec, nil
	}

	vec, err := p.embedder.EmbedOne(ctx, plan.Query)
	if err != nil {
		switch {
		case errors.Is(err, embed.ErrInvalidInput):
			return nil, apperr.Wrap(apperr.KindInvalidInput, "query rejected by embedding provider", err)
		case errors.Is(err, embed.ErrDimensionMismatch):
			return nil, apperr.Wrap(apperr.KindInvariantViolation, "embedding dimension mismatch", err)
		default:
			return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "query embedding failed", err)
		}
	}
	p.coord.StoreEmbedding(ctx, p.embedder.Model(), plan.Normalized, vec)
	return vec, nil
}

// selectPassages applies the similarity floor, deduplicates by (document,
// page) keeping the best-scoring hit, and truncates to k. Hits arrive best
// first and stay ordered.
func selectPassages(hits []vectorindex.Hit, k int, threshold float64) []RetrievedPassage {
	type pageKey struct {
		doc  uuid.UUID
		page int
	}
	seen := make(map[pageKey]struct{}, len(hits))

	passages := make([]RetrievedPassage, 0, k)
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		key := pageKey{doc: h.DocumentID, page: h.Page}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		passages = append(passages, RetrievedPassage{
			DocumentID:  h.DocumentID,
			Title:       h.Title,
			Page:        h.Page,
			LineStart:   h.LineStart,
			LineEnd:     h.LineEnd,
			Text:        h.Text,
			Similarity:  h.Score,
			Institution: h.Institution,
		})
		if len(passages) == k {
			break
		}
	}
	return passages
}
