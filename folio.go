// Package folio converts scanned or typeset book pages into validated,
// semantically tagged markup. Pages flow through extraction, generation,
// a markup repair loop, and a quality gate; sections aggregate pages
// all-or-nothing and a run report summarizes the outcome.
package folio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/foliopress/folio/extract"
	"github.com/foliopress/folio/gen"
	"github.com/foliopress/folio/llm"
	"github.com/foliopress/folio/markup"
	"github.com/foliopress/folio/quality"
	"github.com/foliopress/folio/source"
	"github.com/foliopress/folio/store"
)

// Stage names the pipeline step where a page failed.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageGeneration Stage = "generation"
	StageRepair     Stage = "repair"
	StageQuality    Stage = "quality"
	// StageCancelled marks pages abandoned after a sibling failure.
	StageCancelled Stage = "cancelled"
)

// PageResult is the complete outcome of one page, success or failure.
type PageResult struct {
	SectionID   string            `json:"section_id"`
	PageIndex   int               `json:"page_index"`
	PDFPage     int               `json:"pdf_page"`
	Extracted   extract.Result    `json:"extracted"`
	Attempts    []gen.Attempt     `json:"attempts,omitempty"`
	Candidate   *markup.Candidate `json:"candidate,omitempty"`
	Verdict     quality.Verdict   `json:"verdict"`
	Markup      string            `json:"markup,omitempty"` // accepted markup, empty on failure
	FailedStage Stage             `json:"failed_stage,omitempty"`
	Err         error             `json:"-"`
}

// Failed reports whether the page reached a terminal failure.
func (r *PageResult) Failed() bool {
	return r.FailedStage != ""
}

// SectionDocument is the aggregated output of one fully-succeeded section.
type SectionDocument struct {
	ID      string          `json:"id"`
	Title   string          `json:"title,omitempty"`
	Content string          `json:"content"` // page markup joined in page order
	Pages   []PageResult    `json:"pages"`
	Verdict quality.Verdict `json:"verdict"`
}

// SectionFailure identifies the page and stage that sank a section.
type SectionFailure struct {
	SectionID string `json:"section_id"`
	PageIndex int    `json:"page_index"`
	Stage     Stage  `json:"stage"`
	Err       error  `json:"-"`
}

func (f *SectionFailure) Error() string {
	return fmt.Sprintf("section %s: page %d failed at %s: %v",
		f.SectionID, f.PageIndex, f.Stage, f.Err)
}

// Unwrap chains ErrSectionFailed so callers can match any section
// failure with errors.Is, alongside the underlying cause.
func (f *SectionFailure) Unwrap() []error {
	return []error{ErrSectionFailed, f.Err}
}

// Pipeline is the run engine. Construct with New; a Pipeline is safe for
// concurrent use and processes one run.
type Pipeline struct {
	cfg       Config
	runID     string
	extractor *extract.TierExtractor
	client    *gen.Client
	repairs   *markup.RepairLoop
	gate      *quality.Gate
	tree      *store.Tree
	index     *store.Store
}

// Option customizes pipeline construction, mainly for injecting fakes and
// pre-opened stores.
type Option func(*pipelineOpts)

type pipelineOpts struct {
	provider   llm.Provider
	recognizer extract.Recognizer
	tree       *store.Tree
	index      *store.Store
	runID      string
}

// WithProvider injects a generation transport instead of building one
// from Config.LLM.
func WithProvider(p llm.Provider) Option {
	return func(o *pipelineOpts) { o.provider = p }
}

// WithRecognizer injects a recognition client instead of the HTTP one.
func WithRecognizer(r extract.Recognizer) Option {
	return func(o *pipelineOpts) { o.recognizer = r }
}

// WithTree installs the artifact tree for this run. Without one, no
// artifact files are written.
func WithTree(t *store.Tree) Option {
	return func(o *pipelineOpts) { o.tree = t }
}

// WithIndex installs the SQLite run index. Without one, no rows are
// written.
func WithIndex(s *store.Store) Option {
	return func(o *pipelineOpts) { o.index = s }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(o *pipelineOpts) { o.runID = id }
}

// New builds a pipeline from configuration.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o pipelineOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.provider == nil {
		p, err := llm.NewProvider(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("building provider: %w", err)
		}
		o.provider = p
	}
	if o.recognizer == nil {
		o.recognizer = extract.NewHTTPRecognizer(cfg.RecognizerURL)
	}

	rec := &runRecorder{runID: o.runID, tree: o.tree, index: o.index}

	genOpts := []gen.Option{
		gen.WithMaxAttempts(cfg.Generation.MaxAttempts),
		gen.WithBaseDelay(time.Duration(cfg.Generation.BaseDelayMS) * time.Millisecond),
		gen.WithRecorder(rec),
	}
	if cfg.Generation.RequestsPerSecond > 0 {
		genOpts = append(genOpts,
			gen.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Generation.RequestsPerSecond), 1)))
	}
	client := gen.NewClient(o.provider, cfg.LLM.Model, genOpts...)

	return &Pipeline{
		cfg:       cfg,
		runID:     o.runID,
		extractor: extract.NewTierExtractor(extract.NewClassifier(cfg.Legibility), o.recognizer),
		client:    client,
		repairs:   markup.NewRepairLoop(client, rec, cfg.Repair.MaxAttempts),
		gate:      quality.NewGate(cfg.Quality.Tolerance),
		tree:      o.tree,
		index:     o.index,
	}, nil
}

// RunID returns this pipeline's run identifier.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run processes every section of the book, bounded by
// MaxSectionConcurrency. A failed section never aborts its siblings.
// The finalized summary is persisted to the artifact tree and the run
// index before returning; ErrRunFailed is returned when any section
// failed.
func (p *Pipeline) Run(ctx context.Context, book *source.Book) (*Summary, error) {
	report := NewRunReport(p.runID)

	if p.index != nil {
		if err := p.index.CreateRun(ctx, p.runID, book.ManifestPath, book.Path); err != nil {
			return nil, fmt.Errorf("registering run: %w", err)
		}
	}

	slog.Info("run: starting",
		"run", p.runID, "sections", len(book.Sections),
		"section_concurrency", p.cfg.Concurrency.MaxSectionConcurrency)

	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency.MaxSectionConcurrency))
	var wg sync.WaitGroup

	for _, sec := range book.Sections {
		wg.Add(1)
		go func(sec source.Section) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				report.Record(Outcome{
					SectionID: sec.ID, Pages: len(sec.Pages),
					Stage: StageCancelled, Err: err.Error(),
				})
				return
			}
			defer sem.Release(1)

			p.registerSection(ctx, sec)
			doc, fail := p.ProcessSection(ctx, sec)
			if fail != nil {
				report.Record(Outcome{
					SectionID:  sec.ID,
					Pages:      len(sec.Pages),
					FailedPage: fail.PageIndex,
					Stage:      fail.Stage,
					Err:        fail.Err.Error(),
				})
				p.finishSection(sec.ID, store.StatusFailed, fail.PageIndex, string(fail.Stage))
				return
			}
			report.Record(Outcome{
				SectionID: sec.ID,
				Succeeded: true,
				Pages:     len(sec.Pages),
				Deviation: doc.Verdict.Deviation,
			})
			p.finishSection(sec.ID, store.StatusSucceeded, 0, "")
		}(sec)
	}
	wg.Wait()

	summary := report.Finalize()
	p.persistSummary(summary)

	slog.Info("run: finished",
		"run", p.runID,
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", summary.Finished.Sub(summary.Started).Round(time.Millisecond))

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d sections",
			ErrRunFailed, summary.Failed, summary.Attempted)
	}
	return summary, nil
}

// ProcessSection runs every page of a section through the pipeline with a
// bounded worker pool. Results land in index-addressed slots so page
// order is preserved regardless of completion order. Aggregation is
// all-or-nothing: one failed page and the section produces no document.
func (p *Pipeline) ProcessSection(ctx context.Context, sec source.Section) (*SectionDocument, *SectionFailure) {
	if len(sec.Pages) == 0 {
		return &SectionDocument{ID: sec.ID, Title: sec.Title}, nil
	}

	secCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	slog.Info("section: processing",
		"section", sec.ID, "pages", len(sec.Pages),
		"page_concurrency", p.cfg.Concurrency.MaxPageConcurrency)

	results := make([]*PageResult, len(sec.Pages))
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.cfg.Concurrency.MaxPageConcurrency)

	for i, page := range sec.Pages {
		wg.Add(1)
		go func(i int, page source.PageSource) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-secCtx.Done():
				results[i] = &PageResult{
					SectionID: page.SectionID, PageIndex: page.Index, PDFPage: page.PDFPage,
					FailedStage: StageCancelled, Err: secCtx.Err(),
				}
				return
			}

			res := p.processPage(secCtx, page)
			results[i] = res
			if res.Failed() && res.FailedStage != StageCancelled &&
				p.cfg.Concurrency.CancelSiblingsOnFailure {
				cancel()
			}
		}(i, page)
	}
	wg.Wait()

	if fail := firstFailure(sec.ID, results); fail != nil {
		slog.Warn("section: failed",
			"section", sec.ID, "page", fail.PageIndex, "stage", fail.Stage,
			"error", fail.Err,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return nil, fail
	}

	parts := make([]string, len(results))
	srcParts := make([]string, len(results))
	pages := make([]PageResult, len(results))
	for i, r := range results {
		parts[i] = r.Markup
		srcParts[i] = r.Extracted.Text
		pages[i] = *r
	}

	doc := &SectionDocument{
		ID:      sec.ID,
		Title:   sec.Title,
		Content: strings.Join(parts, "\n"),
		Pages:   pages,
	}

	doc.Verdict = p.gate.Validate(strings.Join(srcParts, "\n"), doc.Content,
		quality.ScopeSection, sec.ID)
	if !doc.Verdict.Pass {
		slog.Warn("quality: section deviation",
			"section", sec.ID, "verdict", doc.Verdict.String(),
			"divergent", doc.Verdict.TopDivergentWords(5))
		if p.cfg.Quality.FailSectionOnDeviation {
			return nil, &SectionFailure{
				SectionID: sec.ID,
				Stage:     StageQuality,
				Err:       fmt.Errorf("%w: %s", ErrQualityDeviation, doc.Verdict),
			}
		}
	}

	if p.tree != nil {
		if err := p.tree.WriteSectionDoc(sec.ID, doc.Content); err != nil {
			slog.Warn("section: persisting document failed", "section", sec.ID, "error", err)
		}
	}

	slog.Info("section: completed",
		"section", sec.ID, "pages", len(sec.Pages),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return doc, nil
}

// processPage drives one page through extract, generate, repair, and the
// quality gate, persisting every intermediate artifact along the way.
func (p *Pipeline) processPage(ctx context.Context, page source.PageSource) *PageResult {
	res := &PageResult{
		SectionID: page.SectionID,
		PageIndex: page.Index,
		PDFPage:   page.PDFPage,
	}
	start := time.Now()

	ext := p.extractor.Extract(ctx, page)
	res.Extracted = ext
	p.persistExtracted(ctx, page, ext)
	if ext.Text == "" {
		// A recognizer call aborted by sibling cancellation degrades to
		// empty text; that is not this page's fault.
		if ctx.Err() != nil {
			return p.failPage(res, StageCancelled, ctx.Err())
		}
		return p.failPage(res, StageExtraction,
			fmt.Errorf("folio: page %s produced no text from any tier", page.Ref()))
	}

	attempts, err := p.client.Generate(ctx, page, ext)
	res.Attempts = attempts
	if err != nil {
		stage := StageGeneration
		if errors.Is(err, context.Canceled) {
			stage = StageCancelled
		}
		return p.failPage(res, stage, err)
	}
	raw := attempts[len(attempts)-1].Markup
	if strings.TrimSpace(raw) == "" {
		return p.failPage(res, StageGeneration,
			fmt.Errorf("%w: page %s", ErrNoMarkup, page.Ref()))
	}

	cand := p.repairs.Run(ctx, raw, ext, page)
	res.Candidate = cand
	if !cand.WellFormed {
		// Repair rounds cut short by sibling cancellation must not read
		// as a real repair-stage failure.
		if ctx.Err() != nil {
			return p.failPage(res, StageCancelled, ctx.Err())
		}
		return p.failPage(res, StageRepair,
			fmt.Errorf("%w: page %s after %d repair attempts",
				ErrMalformedMarkup, page.Ref(), cand.RepairCount()))
	}

	res.Verdict = p.gate.Validate(ext.Text, cand.Markup, quality.ScopePage, page.Ref())
	if !res.Verdict.Pass {
		slog.Warn("quality: page deviation",
			"page", page.Ref(), "verdict", res.Verdict.String(),
			"divergent", res.Verdict.TopDivergentWords(5))
		if p.cfg.Quality.FailPageOnDeviation {
			return p.failPage(res, StageQuality,
				fmt.Errorf("%w: %s", ErrQualityDeviation, res.Verdict))
		}
	}

	res.Markup = cand.Markup
	p.persistFinal(page, res)

	slog.Info("page: completed",
		"page", page.Ref(), "tier", ext.Tier,
		"attempts", len(attempts), "repairs", cand.RepairCount(),
		"deviation", fmt.Sprintf("%.3f", res.Verdict.Deviation),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res
}

func (p *Pipeline) failPage(res *PageResult, stage Stage, err error) *PageResult {
	res.FailedStage = stage
	res.Err = err
	if stage != StageCancelled {
		slog.Warn("page: failed",
			"page", fmt.Sprintf("%s/page-%d", res.SectionID, res.PageIndex),
			"stage", stage, "error", err)
	}
	if p.index != nil {
		row := store.PageRow{
			RunID:           p.runID,
			SectionID:       res.SectionID,
			PageIndex:       res.PageIndex,
			PDFPage:         res.PDFPage,
			Tier:            string(res.Extracted.Tier),
			LegibilityScore: res.Extracted.Score,
			Status:          store.StatusFailed,
			FailedStage:     string(stage),
		}
		if err := p.index.FinishPage(context.Background(), row); err != nil {
			slog.Warn("page: recording failure failed", "page", res.PageIndex, "error", err)
		}
	}
	return res
}

// firstFailure returns the lowest-indexed definitive page failure,
// preferring real failures over cancellation casualties.
func firstFailure(sectionID string, results []*PageResult) *SectionFailure {
	var fallback *SectionFailure
	for _, r := range results {
		if r == nil || !r.Failed() {
			continue
		}
		f := &SectionFailure{
			SectionID: sectionID,
			PageIndex: r.PageIndex,
			Stage:     r.FailedStage,
			Err:       r.Err,
		}
		if r.FailedStage != StageCancelled && !errors.Is(r.Err, context.Canceled) {
			return f
		}
		if fallback == nil {
			fallback = f
		}
	}
	return fallback
}

// --- persistence plumbing ---

func (p *Pipeline) registerSection(ctx context.Context, sec source.Section) {
	if p.index == nil || len(sec.Pages) == 0 {
		return
	}
	row := store.SectionRow{
		RunID:     p.runID,
		SectionID: sec.ID,
		FirstPage: sec.Pages[0].PDFPage,
		LastPage:  sec.Pages[len(sec.Pages)-1].PDFPage,
	}
	if err := p.index.CreateSection(ctx, row); err != nil {
		slog.Warn("section: registering failed", "section", sec.ID, "error", err)
	}
}

func (p *Pipeline) finishSection(sectionID, status string, failedPage int, failedStage string) {
	if p.index == nil {
		return
	}
	if err := p.index.FinishSection(context.Background(), p.runID, sectionID,
		status, failedPage, failedStage); err != nil {
		slog.Warn("section: recording outcome failed", "section", sectionID, "error", err)
	}
}

func (p *Pipeline) persistExtracted(ctx context.Context, page source.PageSource, ext extract.Result) {
	if p.tree != nil {
		if err := p.tree.WriteExtracted(page.SectionID, page.Index, string(ext.Tier), ext.Text); err != nil {
			slog.Warn("page: persisting extracted text failed", "page", page.Ref(), "error", err)
		}
	}
	if p.index != nil {
		row := store.PageRow{
			RunID:           p.runID,
			SectionID:       page.SectionID,
			PageIndex:       page.Index,
			PDFPage:         page.PDFPage,
			Tier:            string(ext.Tier),
			LegibilityScore: ext.Score,
		}
		if err := p.index.CreatePage(ctx, row); err != nil {
			slog.Warn("page: registering failed", "page", page.Ref(), "error", err)
		}
	}
}

func (p *Pipeline) persistFinal(page source.PageSource, res *PageResult) {
	if p.tree != nil {
		if err := p.tree.WriteFinal(page.SectionID, page.Index, res.Markup); err != nil {
			slog.Warn("page: persisting final markup failed", "page", page.Ref(), "error", err)
		}
	}
	if p.index != nil {
		row := store.PageRow{
			RunID:           p.runID,
			SectionID:       page.SectionID,
			PageIndex:       page.Index,
			PDFPage:         page.PDFPage,
			Tier:            string(res.Extracted.Tier),
			LegibilityScore: res.Extracted.Score,
			Status:          store.StatusSucceeded,
			Deviation:       res.Verdict.Deviation,
		}
		if err := p.index.FinishPage(context.Background(), row); err != nil {
			slog.Warn("page: recording success failed", "page", page.Ref(), "error", err)
		}
	}
}

func (p *Pipeline) persistSummary(s *Summary) {
	status := store.StatusSucceeded
	if s.Failed > 0 {
		status = store.StatusFailed
	}
	if p.tree != nil {
		if err := p.tree.WriteReport(s.String()); err != nil {
			slog.Warn("run: persisting report failed", "error", err)
		}
		if err := s.WriteXLSX(p.tree.ReportXLSXPath()); err != nil {
			slog.Warn("run: persisting spreadsheet failed", "error", err)
		}
	}
	if p.index != nil {
		if err := p.index.FinishRun(context.Background(), p.runID, status); err != nil {
			slog.Warn("run: recording outcome failed", "error", err)
		}
	}
}

// runRecorder persists generation and repair attempts the moment they
// complete. It satisfies gen.AttemptRecorder and markup.Recorder.
type runRecorder struct {
	runID string
	tree  *store.Tree
	index *store.Store
}

func (r *runRecorder) RecordAttempt(page source.PageSource, a gen.Attempt) error {
	var firstErr error
	if r.tree != nil && a.Markup != "" {
		if err := r.tree.WriteAttempt(page.SectionID, page.Index, a.Attempt, a.Markup); err != nil {
			firstErr = err
		}
	}
	if r.index != nil {
		row := store.GenerationAttemptRow{
			RunID:      r.runID,
			SectionID:  page.SectionID,
			PageIndex:  page.Index,
			Attempt:    a.Attempt,
			Outcome:    string(a.Outcome),
			StatusCode: a.Status,
			Err:        a.Err,
			DurationMS: a.Duration.Milliseconds(),
		}
		if err := r.index.InsertGenerationAttempt(context.Background(), row); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *runRecorder) RecordRepair(page source.PageSource, attempt int, m string) error {
	var firstErr error
	if r.tree != nil {
		if err := r.tree.WriteRepair(page.SectionID, page.Index, attempt, m); err != nil {
			firstErr = err
		}
	}
	if r.index != nil {
		row := store.RepairAttemptRow{
			RunID:      r.runID,
			SectionID:  page.SectionID,
			PageIndex:  page.Index,
			Attempt:    attempt,
			WellFormed: markup.CheckWellFormed(m) == nil,
		}
		if err := r.index.InsertRepairAttempt(context.Background(), row); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
