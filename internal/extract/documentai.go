package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/extract"

// DocumentAIConfig configures the Document AI backed extractor.
type DocumentAIConfig struct {
	// ProcessorName is the full resource name:
	// projects/{project}/locations/{location}/processors/{id}.
	ProcessorName string

	// Endpoint overrides the regional API endpoint
	// (eu-documentai.googleapis.com:443). Empty uses the default.
	Endpoint string
}

// DocumentAI extracts text through a Google Document AI OCR processor.
type DocumentAI struct {
	client *documentai.DocumentProcessorClient
	config DocumentAIConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewDocumentAI creates the extractor and its API client.
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, logger *logging.Logger) (*DocumentAI, error) {
	if cfg.ProcessorName == "" {
		return nil, errors.New("extract: processor name is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("extract: creating documentai client: %w", err)
	}

	return &DocumentAI{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Close releases the underlying client.
func (d *DocumentAI) Close() error {
	return d.client.Close()
}

// Extract runs the processor and flattens its layout into the page/line tree.
func (d *DocumentAI) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "extract.documentai")
	defer span.End()
	span.SetAttributes(
		attribute.Int("size_bytes", len(data)),
		attribute.String("mime_type", mimeType),
	)

	resp, err := d.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: d.config.ProcessorName,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.InvalidArgument {
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		return nil, fmt.Errorf("extract: processing document: %w", err)
	}

	doc := resp.GetDocument()
	result := flatten(doc)
	result.Method = "documentai"

	d.logger.Debug(ctx, "extracted document",
		zap.Int("pages", len(result.Pages)),
		zap.Float64("confidence", result.Confidence),
	)
	span.SetAttributes(attribute.Int("pages", len(result.Pages)))
	return result, nil
}

// flatten converts the processor's anchored layout into plain pages/lines
// and averages per-line confidence into a document-level value.
func flatten(doc *documentaipb.Document) *Result {
	result := &Result{Text: doc.GetText()}

	var confSum float64
	var confCount int
	for _, p := range doc.GetPages() {
		page := Page{Number: int(p.GetPageNumber())}
		for i, line := range p.GetLines() {
			layout := line.GetLayout()
			text := anchoredText(doc.GetText(), layout.GetTextAnchor())
			page.Lines = append(page.Lines, Line{Number: i + 1, Text: text})
			confSum += float64(layout.GetConfidence())
			confCount++
		}
		result.Pages = append(result.Pages, page)
	}
	if confCount > 0 {
		result.Confidence = confSum / float64(confCount)
	}
	return result
}

// anchoredText resolves a text anchor's segments against the full text.
func anchoredText(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := seg.GetStartIndex(), seg.GetEndIndex()
		if start < 0 || end > int64(len(full)) || start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ Extractor = (*DocumentAI)(nil)
