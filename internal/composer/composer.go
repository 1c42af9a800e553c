// Package composer turns retrieved passages and a question into a grounded
// answer.
//
// The composer builds the evidence block with [#i] citation anchors, picks
// the system prompt, drives the provider failover (primary once, fallback
// once) and post-processes the generated text: anchors pointing past the
// evidence are stripped, surviving anchors become structured citations.
package composer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/generator"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/planner"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/scorer"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/composer"

// defaultSystemPrompt is the built-in Turkish legal assistant template,
// used when no override is configured.
const defaultSystemPrompt = `Sen Türk mevzuatı konusunda uzman bir hukuk asistanısın.
Yalnızca sana verilen kaynak pasajlara dayanarak cevap ver.
Cevabında kullandığın her bilgi için ilgili pasajın [#i] numarasını belirt.
Kaynaklarda bulunmayan bilgi için "bu konuda kaynaklarımda bilgi bulunmuyor" de.
Cevabını Türkçe, açık ve resmi bir dille yaz.`

// insufficientAnswer is returned without invoking any provider when
// retrieval produced no usable evidence.
const insufficientAnswer = "Sorunuzla ilgili kaynaklarımda yeterli bilgi bulunamadı. " +
	"Lütfen sorunuzu farklı kelimelerle yeniden ifade etmeyi deneyin."

// caveatLine precedes answers whose reliability fell below the caveat
// threshold.
const caveatLine = "Uyarı: Bu cevabın güvenilirlik puanı düşüktür, resmi işlem öncesi kaynakları doğrulayınız."

// insufficientEvidenceLine precedes answers flagged as lacking evidence.
const insufficientEvidenceLine = "Yetersiz kanıt: Bu cevap sınırlı kaynakla üretilmiştir ve güvenilir kabul edilmemelidir."

// anchorPattern matches citation anchors like [#3] in generated text.
var anchorPattern = regexp.MustCompile(`\[#(\d+)\]`)

// spaceRun collapses the doubled spaces left behind by stripped anchors.
var spaceRun = regexp.MustCompile(`[ \t]{2,}`)

// Config tunes composition.
type Config struct {
	// SystemPrompt overrides the built-in template when non-empty.
	SystemPrompt string

	// ProviderTimeout bounds each single provider call.
	ProviderTimeout time.Duration

	MaxTokens   int
	Temperature float32
}

func (c *Config) applyDefaults() {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
}

// Citation is one resolved source reference in the response payload.
type Citation struct {
	Anchor     int     `json:"anchor"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Page       int     `json:"page"`
	LineStart  int     `json:"line_start"`
	LineEnd    int     `json:"line_end"`
	Similarity float64 `json:"similarity"`
}

// Result is one composed answer.
type Result struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
	TokensIn  int        `json:"tokens_in"`
	TokensOut int        `json:"tokens_out"`
	Provider  string     `json:"provider"`
	ElapsedMS int64      `json:"elapsed_ms"`

	// Generated is false for canned answers produced without a provider
	// call (no evidence available).
	Generated bool `json:"generated"`
}

// Composer drives answer generation with provider failover.
type Composer struct {
	primary  generator.Provider
	fallback generator.Provider
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer
}

// New builds the composer. fallback may be nil when only one provider is
// configured.
func New(primary, fallback generator.Provider, cfg Config, logger *logging.Logger) *Composer {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Composer{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Compose generates a grounded answer for the query from the passages.
// With no passages it returns the canned insufficient-information answer
// without touching any provider. When every provider fails the error is
// classified GeneratorFailed; the caller refunds reserved credits.
func (c *Composer) Compose(ctx context.Context, query string, passages []planner.RetrievedPassage) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "composer.compose")
	defer span.End()
	span.SetAttributes(attribute.Int("passage_count", len(passages)))

	if len(passages) == 0 {
		return &Result{Answer: insufficientAnswer, Generated: false}, nil
	}

	userPrompt := buildUserPrompt(query, passages)
	systemPrompt := c.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	start := time.Now()
	completion, providerName, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, apperr.Wrap(apperr.KindGeneratorFailed, "all answer providers failed", err)
	}
	elapsed := time.Since(start)

	answer, citations := resolveCitations(completion.Text, passages)
	span.SetAttributes(
		attribute.String("provider", providerName),
		attribute.Int("tokens_out", completion.TokensOut),
	)

	return &Result{
		Answer:    answer,
		Citations: citations,
		TokensIn:  completion.TokensIn,
		TokensOut: completion.TokensOut,
		Provider:  providerName,
		ElapsedMS: elapsed.Milliseconds(),
		Generated: true,
	}, nil
}

// complete tries the primary provider once, then the fallback once.
func (c *Composer) complete(ctx context.Context, systemPrompt, userPrompt string) (*generator.Completion, string, error) {
	opts := generator.Options{MaxTokens: c.cfg.MaxTokens, Temperature: c.cfg.Temperature}

	completion, err := c.callProvider(ctx, c.primary, systemPrompt, userPrompt, opts)
	if err == nil {
		return completion, c.primary.Name(), nil
	}
	primaryErr := err
	c.logger.Warn(ctx, "primary answer provider failed",
		zap.String("provider", c.primary.Name()), zap.Error(err))

	if c.fallback == nil {
		return nil, "", primaryErr
	}

	completion, err = c.callProvider(ctx, c.fallback, systemPrompt, userPrompt, opts)
	if err != nil {
		return nil, "", fmt.Errorf("primary: %w; fallback: %v", primaryErr, err)
	}
	return completion, c.fallback.Name(), nil
}

func (c *Composer) callProvider(ctx context.Context, p generator.Provider, systemPrompt, userPrompt string, opts generator.Options) (*generator.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	return p.Complete(callCtx, systemPrompt, userPrompt, opts)
}

// buildUserPrompt lays out the evidence block, best passage first, each
// introduced by its citation anchor, followed by the question.
func buildUserPrompt(query string, passages []planner.RetrievedPassage) string {
	var b strings.Builder
	b.WriteString("Kaynak pasajlar:\n\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[#%d] %s, sayfa %d:\n%s\n\n", i+1, p.Title, p.Page, p.Text)
	}
	b.WriteString("Soru: ")
	b.WriteString(query)
	return b.String()
}

// resolveCitations strips anchors pointing past the evidence and builds the
// citation list for the anchors that survive, in first-use order.
func resolveCitations(answer string, passages []planner.RetrievedPassage) (string, []Citation) {
	used := make(map[int]bool)

	cleaned := anchorPattern.ReplaceAllStringFunc(answer, func(m string) string {
		idx, err := strconv.Atoi(anchorPattern.FindStringSubmatch(m)[1])
		if err != nil || idx < 1 || idx > len(passages) {
			return ""
		}
		used[idx] = true
		return m
	})
	cleaned = strings.TrimSpace(spaceRun.ReplaceAllString(cleaned, " "))

	var citations []Citation
	for i, p := range passages {
		if !used[i+1] {
			continue
		}
		citations = append(citations, Citation{
			Anchor:     i + 1,
			DocumentID: p.DocumentID.String(),
			Title:      p.Title,
			Page:       p.Page,
			LineStart:  p.LineStart,
			LineEnd:    p.LineEnd,
			Similarity: p.Similarity,
		})
	}
	return cleaned, citations
}

// Decorate prepends the reliability warning lines the score calls for and
// reports whether citations should still be presented as authoritative.
func Decorate(answer string, b scorer.Breakdown) (string, bool) {
	switch {
	case b.InsufficientEvidence:
		return insufficientEvidenceLine + "\n\n" + answer, false
	case b.CaveatNeeded:
		return caveatLine + "\n\n" + answer, true
	default:
		return answer, true
	}
}
