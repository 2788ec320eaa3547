// Package extract produces the best available plain text for a page,
// preferring the embedded text layer and falling back to optical
// recognition when the embedded text is judged illegible.
package extract

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/foliopress/folio/source"
)

// Tier identifies which extraction path produced a page's text.
type Tier string

const (
	// TierEmbedded means the text came from the document's native text layer.
	TierEmbedded Tier = "embedded"
	// TierRecognized means the text came from optical recognition of the
	// rasterized page image.
	TierRecognized Tier = "recognized"
)

// Result is the ground-truth text for one page. Immutable once created.
type Result struct {
	SectionID string  `json:"section_id"`
	PageIndex int     `json:"page_index"`
	Text      string  `json:"text"`
	Tier      Tier    `json:"tier"`
	Score     float64 `json:"legibility_score"`
}

// TierExtractor chooses between the embedded text layer and recognition.
type TierExtractor struct {
	classifier *Classifier
	recognizer Recognizer
}

// NewTierExtractor builds an extractor around a legibility classifier and
// a recognition fallback.
func NewTierExtractor(classifier *Classifier, recognizer Recognizer) *TierExtractor {
	return &TierExtractor{classifier: classifier, recognizer: recognizer}
}

// Extract returns best-effort text for the page. There is no error path:
// if the embedded layer is garbage and recognition fails too, the result
// carries empty text and a zero legibility score, and the pipeline decides
// downstream whether that is acceptable. The tier actually used is always
// recorded for the audit trail.
func (e *TierExtractor) Extract(ctx context.Context, page source.PageSource) Result {
	embedded := strings.TrimSpace(page.EmbeddedText)
	if e.classifier.Legible(embedded) {
		return Result{
			SectionID: page.SectionID,
			PageIndex: page.Index,
			Text:      embedded,
			Tier:      TierEmbedded,
			Score:     e.classifier.Score(embedded),
		}
	}

	start := time.Now()
	text, err := e.recognizer.Recognize(ctx, page.Image)
	if err != nil {
		slog.Warn("extract: recognition failed, using empty text",
			"page", page.Ref(), "error", err)
		text = ""
	} else {
		slog.Debug("extract: recognition fallback used",
			"page", page.Ref(),
			"embedded_len", len(embedded),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	text = strings.TrimSpace(text)
	return Result{
		SectionID: page.SectionID,
		PageIndex: page.Index,
		Text:      text,
		Tier:      TierRecognized,
		Score:     e.classifier.Score(text),
	}
}
