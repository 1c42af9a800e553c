// Package extract turns uploaded source files into a page/line text tree.
//
// Extraction is all-or-nothing: a Result always carries the complete tree
// with per-line coordinates, or the call fails. The ingestion worker decides
// from Retryable whether a failure is worth another attempt.
package extract

import (
	"context"
	"errors"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnreadable marks a source file the processor could not parse at all.
// This is terminal for the document.
var ErrUnreadable = errors.New("extract: unreadable source file")

// Line is one extracted text line. Numbers restart at 1 on each page.
type Line struct {
	Number int    `json:"line_no"`
	Text   string `json:"text"`
}

// Page is one page of extracted text.
type Page struct {
	Number int    `json:"page_no"`
	Lines  []Line `json:"lines"`
}

// Result is the complete extraction output for one document.
type Result struct {
	// Text is the full document text in reading order.
	Text string `json:"text"`

	// Pages carry the per-line coordinates the chunker preserves.
	Pages []Page `json:"pages"`

	// Confidence is the extractor's own 0..1 quality estimate.
	Confidence float64 `json:"confidence"`

	// Method names the extraction backend for the audit trail.
	Method string `json:"method"`
}

// Extractor is the text-extraction capability.
type Extractor interface {
	// Extract parses the raw file bytes. The mime type is the one recorded
	// at upload.
	Extract(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

// Retryable reports whether the extraction failure is transient. Unreadable
// files are terminal; infrastructure faults are worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrUnreadable) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
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
