// Package chunker segments extracted document text into overlapping
// passages sized for embedding.
//
// Segmentation works at line granularity so every passage keeps exact
// page and line coordinates for citations. Adjacent passages overlap by
// roughly the configured character count: the overlap lines at the end of
// one passage reappear at the start of the next.
package chunker

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrEmptyDocument is returned when the input contains no usable text
// after normalization.
var ErrEmptyDocument = errors.New("document contains no extractable text")

// Config holds segmentation parameters. All sizes are in characters
// (runes, so Turkish text counts the same as ASCII).
type Config struct {
	// TargetChars closes a passage once reached.
	TargetChars int
	// OverlapChars is the approximate suffix/prefix shared by adjacent
	// passages. Must be smaller than TargetChars.
	OverlapChars int
	// MinChars is the smallest passage allowed to end at a page boundary;
	// shorter residues are concatenated with the next page.
	MinChars int
	// MaxChars hard-caps passage size. Single lines longer than this are
	// split so a passage always fits the embedding input window.
	MaxChars int
}

// Line is one extracted text line with its page coordinates. Line numbers
// restart at 1 on each page.
type Line struct {
	Page   int
	Number int
	Text   string
}

// Passage is one segment ready for embedding. Index is the zero-based
// position within the document. When a passage spans a page boundary,
// Page is the first page of the span and LineEnd refers to the last line
// on the following page.
type Passage struct {
	Index     int
	Page      int
	LineStart int
	LineEnd   int
	Text      string
}

// Chunker segments normalized lines into passages. The same input always
// produces the same passages.
type Chunker struct {
	cfg Config
}

// New creates a Chunker. Zero config fields fall back to safe values.
func New(cfg Config) *Chunker {
	if cfg.TargetChars <= 0 {
		cfg.TargetChars = 1200
	}
	if cfg.OverlapChars < 0 {
		cfg.OverlapChars = 0
	}
	if cfg.OverlapChars >= cfg.TargetChars {
		cfg.OverlapChars = cfg.TargetChars / 4
	}
	if cfg.MinChars <= 0 || cfg.MinChars > cfg.TargetChars {
		cfg.MinChars = cfg.TargetChars / 4
	}
	if cfg.MaxChars < cfg.TargetChars {
		cfg.MaxChars = cfg.TargetChars * 5
	}
	return &Chunker{cfg: cfg}
}

// Split segments the document lines into passages.
func (c *Chunker) Split(lines []Line) ([]Passage, error) {
	norm := c.normalizeLines(lines)
	if len(norm) == 0 {
		return nil, ErrEmptyDocument
	}

	var passages []Passage
	start := 0
	for start < len(norm) {
		end, joinedLen := c.accumulate(norm, start)

		seg := norm[start:end]
		passages = append(passages, Passage{
			Index:     len(passages),
			Page:      seg[0].Page,
			LineStart: seg[0].Number,
			LineEnd:   seg[len(seg)-1].Number,
			Text:      joinLines(seg),
		})

		if end >= len(norm) {
			break
		}
		start = c.nextStart(norm, start, end, joinedLen)
	}

	return passages, nil
}

// accumulate consumes lines from start until the passage reaches the
// target size, the input ends, or a page boundary closes it. Returns the
// exclusive end index and the joined text length.
func (c *Chunker) accumulate(lines []Line, start int) (int, int) {
	joined := 0
	i := start
	for i < len(lines) {
		l := lines[i]
		if i > start && l.Page != lines[i-1].Page && joined >= c.cfg.MinChars {
			// Close at the page boundary; the residue was long enough to
			// stand alone.
			break
		}
		add := utf8.RuneCountInString(l.Text)
		if i > start {
			add++ // joining space
		}
		joined += add
		i++
		if joined >= c.cfg.TargetChars {
			break
		}
	}
	return i, joined
}

// nextStart computes where the next passage begins: back off from end by
// roughly OverlapChars worth of lines, without crossing onto the previous
// page and always making forward progress.
func (c *Chunker) nextStart(lines []Line, start, end, joinedLen int) int {
	next := lines[end] // exists: caller checked end < len(lines)

	// A passage that begins on a fresh page starts clean; pulling lines
	// back from the previous page would create a needless span.
	if next.Page != lines[end-1].Page {
		return end
	}

	overlap := 0
	j := end
	for j > start+1 {
		prev := lines[j-1]
		if prev.Page != next.Page {
			break
		}
		overlap += utf8.RuneCountInString(prev.Text) + 1
		if overlap > c.cfg.OverlapChars {
			break
		}
		j--
	}
	return j
}

// normalizeLines cleans each line and splits lines longer than MaxChars.
// Whitespace-only lines are dropped.
func (c *Chunker) normalizeLines(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		text := NormalizeText(l.Text)
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) <= c.cfg.MaxChars {
			out = append(out, Line{Page: l.Page, Number: l.Number, Text: text})
			continue
		}
		for _, part := range splitRunes(text, c.cfg.MaxChars) {
			out = append(out, Line{Page: l.Page, Number: l.Number, Text: part})
		}
	}
	return out
}

// NormalizeText strips byte order marks and collapses whitespace runs into
// a single space. Case and Turkish diacritics are left untouched.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\uFEFF", "")

	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range s {
		if isSpace(r) {
			inRun = true
			continue
		}
		if inRun && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f', ' ':
		return true
	}
	return false
}

func joinLines(lines []Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, " ")
}

// splitRunes cuts s into pieces of at most max runes.
func splitRunes(s string, max int) []string {
	runes := []rune(s)
	var parts []string
	for len(runes) > max {
		parts = append(parts, string(runes[:max]))
		runes = runes[max:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
