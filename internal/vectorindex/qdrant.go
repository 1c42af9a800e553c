package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"

// Payload keys of one indexed passage.
const (
	payloadDocumentID  = "document_id"
	payloadChunkIndex  = "chunk_index"
	payloadText        = "text"
	payloadPage        = "page"
	payloadLineStart   = "line_start"
	payloadLineEnd     = "line_end"
	payloadInstitution = "institution"
	payloadTitle       = "title"
)

// upsertBatchSize caps points per upsert request.
const upsertBatchSize = 256

// QdrantConfig configures the qdrant backed index.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// Collection is the passage collection name.
	Collection string

	// VectorSize is the embedding width the collection must carry.
	VectorSize int

	// MaxRetries bounds transient-fault retries per operation.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
}

// Qdrant is the qdrant implementation of Index.
type Qdrant struct {
	client *qdrant.Client
	config QdrantConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewQdrant connects to qdrant over gRPC and verifies reachability.
func NewQdrant(cfg QdrantConfig, logger *logging.Logger) (*Qdrant, error) {
	cfg.applyDefaults()
	if cfg.Collection == "" {
		return nil, errors.New("vectorindex: collection is required")
	}
	if cfg.VectorSize <= 0 {
		return nil, errors.New("vectorindex: vector size is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: creating qdrant client: %w", err)
	}

	q := &Qdrant{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

// HealthCheck verifies the engine is reachable.
func (q *Qdrant) HealthCheck(ctx context.Context) error {
	ctx, span := q.tracer.Start(ctx, "vectorindex.health")
	defer span.End()

	if _, err := q.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("vectorindex: health check failed: %w", err)
	}
	return nil
}

// EnsureCollection creates the passage collection on first start and
// verifies the vector width on every start. A width mismatch is fatal: the
// stored vectors and the embedder no longer agree.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	ctx, span := q.tracer.Start(ctx, "vectorindex.ensure_collection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.config.Collection))

	exists, err := q.client.CollectionExists(ctx, q.config.Collection)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("vectorindex: checking collection: %w", err)
	}

	if !exists {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("vectorindex: creating collection: %w", err)
		}
		q.logger.Info(ctx, "created passage collection",
			zap.String("collection", q.config.Collection),
			zap.Int("vector_size", q.config.VectorSize),
		)
		return nil
	}

	info, err := q.client.GetCollectionInfo(ctx, q.config.Collection)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("vectorindex: reading collection info: %w", err)
	}
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		if got := int(params.GetSize()); got != q.config.VectorSize {
			err := fmt.Errorf("%w: collection %s has %d, config wants %d",
				ErrDimensionMismatch, q.config.Collection, got, q.config.VectorSize)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// Upsert writes passages in batches.
func (q *Qdrant) Upsert(ctx context.Context, passages []Passage) error {
	ctx, span := q.tracer.Start(ctx, "vectorindex.upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("passages", len(passages)))

	if len(passages) == 0 {
		return nil
	}

	for start := 0; start < len(passages); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(passages))
		points := make([]*qdrant.PointStruct, 0, end-start)
		for _, p := range passages[start:end] {
			if len(p.Vector) != q.config.VectorSize {
				err := fmt.Errorf("%w: passage %s/%d has %d, want %d",
					ErrDimensionMismatch, p.DocumentID, p.ChunkIndex, len(p.Vector), q.config.VectorSize)
				span.RecordError(err)
				return err
			}
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(PointID(p.DocumentID, p.ChunkIndex)),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: passagePayload(p),
			})
		}

		err := q.retry(ctx, "upsert", func() error {
			_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: q.config.Collection,
				Points:         points,
				Wait:           qdrant.PtrOf(true),
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("vectorindex: upserting %d points: %w", len(points), err)
		}
	}
	return nil
}

// Search returns the closest passages, best first.
func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int, filter *Filter) ([]Hit, error) {
	ctx, span := q.tracer.Start(ctx, "vectorindex.search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	if len(vector) != q.config.VectorSize {
		return nil, fmt.Errorf("%w: query vector has %d, want %d",
			ErrDimensionMismatch, len(vector), q.config.VectorSize)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("vectorindex: limit must be positive, got %d", limit)
	}

	var cond []*qdrant.Condition
	if filter != nil && filter.Institution != "" {
		cond = append(cond, qdrant.NewMatch(payloadInstitution, filter.Institution))
	}
	var qf *qdrant.Filter
	if len(cond) > 0 {
		qf = &qdrant.Filter{Must: cond}
	}

	var results []*qdrant.ScoredPoint
	err := q.retry(ctx, "search", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qf,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("vectorindex: searching: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, point := range results {
		hit, err := hitFromPayload(point)
		if err != nil {
			q.logger.Warn(ctx, "skipping malformed search hit", zap.Error(err))
			continue
		}
		hits = append(hits, hit)
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// DeleteByDocument removes every passage of the document.
func (q *Qdrant) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	ctx, span := q.tracer.Start(ctx, "vectorindex.delete_by_document")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID.String()))

	err := q.retry(ctx, "delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							qdrant.NewMatch(payloadDocumentID, documentID.String()),
						},
					},
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("vectorindex: deleting document %s: %w", documentID, err)
	}
	return nil
}

// CountByDocument reports the document's indexed passage count.
func (q *Qdrant) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	ctx, span := q.tracer.Start(ctx, "vectorindex.count_by_document")
	defer span.End()

	var count uint64
	err := q.retry(ctx, "count", func() error {
		n, err := q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.config.Collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					qdrant.NewMatch(payloadDocumentID, documentID.String()),
				},
			},
			Exact: qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("vectorindex: counting document %s: %w", documentID, err)
	}
	return int(count), nil
}

// retry runs op with exponential backoff on transient gRPC faults.
func (q *Qdrant) retry(ctx context.Context, name string, op func() error) error {
	backoff := q.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= q.config.MaxRetries; attempt++ {
		err = op()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == q.config.MaxRetries {
			break
		}
		q.logger.Warn(ctx, "vectorindex operation retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

// isTransient reports whether the gRPC failure is worth retrying.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func passagePayload(p Passage) map[string]*qdrant.Value {
	return qdrant.NewValueMap(map[string]any{
		payloadDocumentID:  p.DocumentID.String(),
		payloadChunkIndex:  int64(p.ChunkIndex),
		payloadText:        p.Text,
		payloadPage:        int64(p.Page),
		payloadLineStart:   int64(p.LineStart),
		payloadLineEnd:     int64(p.LineEnd),
		payloadInstitution: p.Institution,
		payloadTitle:       p.Title,
	})
}

func hitFromPayload(point *qdrant.ScoredPoint) (Hit, error) {
	payload := point.GetPayload()
	docID, err := uuid.Parse(payload[payloadDocumentID].GetStringValue())
	if err != nil {
		return Hit{}, fmt.Errorf("vectorindex: hit without document id: %w", err)
	}
	return Hit{
		DocumentID:  docID,
		ChunkIndex:  int(payload[payloadChunkIndex].GetIntegerValue()),
		Score:       float64(point.GetScore()),
		Text:        payload[payloadText].GetStringValue(),
		Page:        int(payload[payloadPage].GetIntegerValue()),
		LineStart:   int(payload[payloadLineStart].GetIntegerValue()),
		LineEnd:     int(payload[payloadLineEnd].GetIntegerValue()),
		Institution: payload[payloadInstitution].GetStringValue(),
		Title:       payload[payloadTitle].GetStringValue(),
	}, nil
}

var _ Index = (*Qdrant)(nil)
