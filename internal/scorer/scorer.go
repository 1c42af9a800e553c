// Package scorer computes the reliability and confidence scores attached
// to every generated answer.
//
// Reliability blends retrieval similarity, source diversity, answer length
// and source recency. Confidence uses only the retrieval signals, so it is
// meaningful even when generation produced a canned response.
package scorer

import (
	"math"
	"time"
)

// Component weights of the reliability blend.
const (
	weightSimilarity = 0.40
	weightDiversity  = 0.20
	weightLength     = 0.15
	weightRecency    = 0.25
)

// Confidence weights.
const (
	confidenceSimilarity = 0.60
	confidenceDiversity  = 0.40
)

const (
	// answerLengthPivot is the answer size (in characters) at which the
	// length factor saturates at 1.0.
	answerLengthPivot = 500.0

	// recencyHorizonYears is the source age at which recency reaches 0.
	recencyHorizonYears = 10.0

	// missingRecency is the neutral recency for sources without a
	// publication date.
	missingRecency = 0.5

	// caveatBelow marks answers that must carry a visible caveat.
	caveatBelow = 0.40

	// insufficientBelow marks answers flagged as lacking evidence.
	insufficientBelow = 0.20
)

// Input carries the retrieval and generation facts for one answer.
type Input struct {
	// Similarities are the cosine scores of the passages used, best first.
	Similarities []float64

	// UniqueDocuments is the count of distinct source documents among the
	// passages used.
	UniqueDocuments int

	// K is the effective passage count requested.
	K int

	// AnswerChars is the generated answer length in characters.
	AnswerChars int

	// PublishedAt holds each source document's publication date; nil
	// entries mean the date is unknown.
	PublishedAt []*time.Time

	// Now anchors the recency computation.
	Now time.Time
}

// Breakdown is the scored result with each component exposed for the
// audit trail.
type Breakdown struct {
	SimilarityAvg float64 `json:"similarity_avg"`
	Diversity     float64 `json:"diversity"`
	LengthFactor  float64 `json:"length_factor"`
	Recency       float64 `json:"recency"`

	Reliability float64 `json:"reliability"`
	Confidence  float64 `json:"confidence"`

	// CaveatNeeded is set when reliability falls below the caveat line;
	// the composer prepends a visible warning to such answers.
	CaveatNeeded bool `json:"caveat_needed"`

	// InsufficientEvidence is set when reliability is too low for the
	// answer to be presented as grounded at all.
	InsufficientEvidence bool `json:"insufficient_evidence"`
}

// Score computes the blended reliability and confidence for one answer.
// All components and both scores are clamped to [0,1].
func Score(in Input) Breakdown {
	b := Breakdown{
		SimilarityAvg: meanSimilarity(in.Similarities),
		Diversity:     diversity(in.UniqueDocuments, in.K),
		LengthFactor:  lengthFactor(in.AnswerChars),
		Recency:       recency(in.PublishedAt, in.Now),
	}

	b.Reliability = clamp01(weightSimilarity*b.SimilarityAvg +
		weightDiversity*b.Diversity +
		weightLength*b.LengthFactor +
		weightRecency*b.Recency)

	b.Confidence = clamp01(confidenceSimilarity*b.SimilarityAvg +
		confidenceDiversity*b.Diversity)

	b.CaveatNeeded = b.Reliability < caveatBelow
	b.InsufficientEvidence = b.Reliability < insufficientBelow
	return b
}

func meanSimilarity(sims []float64) float64 {
	if len(sims) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sims {
		sum += clamp01(s)
	}
	return sum / float64(len(sims))
}

func diversity(uniqueDocs, k int) float64 {
	if k <= 0 || uniqueDocs <= 0 {
		return 0
	}
	return clamp01(float64(uniqueDocs) / float64(k))
}

func lengthFactor(chars int) float64 {
	if chars <= 0 {
		return 0
	}
	return clamp01(float64(chars) / answerLengthPivot)
}

// recency averages per-source freshness: 1 at publication, declining
// linearly to 0 at the horizon. Unknown dates contribute the neutral
// value. No sources at all contribute nothing.
func recency(published []*time.Time, now time.Time) float64 {
	if len(published) == 0 {
		return 0
	}
	var sum float64
	for _, p := range published {
		if p == nil {
			sum += missingRecency
			continue
		}
		years := now.Sub(*p).Hours() / (24 * 365.25)
		sum += clamp01(1 - years/recencyHorizonYears)
	}
	return sum / float64(len(published))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
