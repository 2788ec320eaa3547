package folio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foliopress/folio/gen"
	"github.com/foliopress/folio/llm"
	"github.com/foliopress/folio/source"
	"github.com/foliopress/folio/store"
)

// scriptedProvider routes every vision request through a test-supplied
// function. The user message carries the extracted text (generation) or
// the broken markup (repair), so tests can branch on content.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	respond func(userText string) (string, error)
}

func (s *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (s *scriptedProvider) ChatWithImages(ctx context.Context, req llm.VisionChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	var userText string
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		for _, part := range m.Content {
			if part.Type == "text" {
				userText = part.Text
			}
		}
	}
	content, err := s.respond(userText)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content}, nil
}

// echoMarkup wraps the extracted text of a generation request in a <p>
// element, producing markup with zero word-count deviation.
func echoMarkup(userText string) (string, error) {
	i := strings.LastIndex(userText, ":\n")
	return "<p>" + strings.TrimSpace(userText[i+2:]) + "</p>", nil
}

type staticRecognizer struct {
	text string
	err  error
}

func (s *staticRecognizer) Recognize(ctx context.Context, png []byte) (string, error) {
	return s.text, s.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Generation.BaseDelayMS = 0
	return cfg
}

func newTestPipeline(t *testing.T, cfg Config, prov llm.Provider, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{
		WithProvider(prov),
		WithRecognizer(&staticRecognizer{}),
		WithRunID("test-run"),
	}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func makeSection(id string, texts ...string) source.Section {
	sec := source.Section{ID: id}
	for i, txt := range texts {
		sec.Pages = append(sec.Pages, source.PageSource{
			SectionID:    id,
			Index:        i + 1,
			PDFPage:      i + 1,
			Image:        []byte("png"),
			EmbeddedText: txt,
		})
	}
	return sec
}

// A legible page whose generation succeeds first try flows straight
// through: embedded tier, one attempt, no repairs, zero deviation.
func TestProcessSectionCleanPage(t *testing.T) {
	prov := &scriptedProvider{respond: echoMarkup}
	p := newTestPipeline(t, testConfig(), prov)

	sec := makeSection("ch01", "The goblin attacks with a scimitar")
	doc, fail := p.ProcessSection(context.Background(), sec)
	if fail != nil {
		t.Fatalf("ProcessSection failed: %v", fail)
	}
	if doc.Content != "<p>The goblin attacks with a scimitar</p>" {
		t.Errorf("Content = %q", doc.Content)
	}

	pg := doc.Pages[0]
	if pg.Extracted.Tier != "embedded" {
		t.Errorf("tier = %s, want embedded", pg.Extracted.Tier)
	}
	if len(pg.Attempts) != 1 || pg.Attempts[0].Outcome != gen.OutcomeSuccess {
		t.Errorf("attempts = %+v", pg.Attempts)
	}
	if pg.Candidate.RepairCount() != 0 {
		t.Errorf("repairs = %d, want 0", pg.Candidate.RepairCount())
	}
	if pg.Verdict.Deviation != 0 || !pg.Verdict.Pass {
		t.Errorf("verdict = %+v", pg.Verdict)
	}
}

// Pages finish out of order but the document must concatenate them in
// page order: later pages respond faster than earlier ones.
func TestProcessSectionPreservesPageOrder(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		// "pageN" appears in each page's text; earlier pages sleep longer.
		for n := 1; n <= 4; n++ {
			if strings.Contains(userText, fmt.Sprintf("page%d ", n)) {
				time.Sleep(time.Duration(4-n) * 25 * time.Millisecond)
				break
			}
		}
		return echoMarkup(userText)
	}}
	p := newTestPipeline(t, testConfig(), prov)

	sec := makeSection("ch01",
		"page1 alpha bravo charlie",
		"page2 delta echo foxtrot",
		"page3 golf hotel india",
		"page4 juliet kilo lima",
	)
	doc, fail := p.ProcessSection(context.Background(), sec)
	if fail != nil {
		t.Fatalf("ProcessSection failed: %v", fail)
	}

	want := "<p>page1 alpha bravo charlie</p>\n" +
		"<p>page2 delta echo foxtrot</p>\n" +
		"<p>page3 golf hotel india</p>\n" +
		"<p>page4 juliet kilo lima</p>"
	if doc.Content != want {
		t.Errorf("Content out of order:\n%s", doc.Content)
	}
	for i, pg := range doc.Pages {
		if pg.PageIndex != i+1 {
			t.Errorf("slot %d holds page %d", i, pg.PageIndex)
		}
	}
}

// One failed page sinks the whole section: no document, and the failure
// names the page and stage.
func TestProcessSectionAllOrNothing(t *testing.T) {
	svcErr := &llm.APIError{Status: 503, Body: "down"}
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		if strings.Contains(userText, "doomed") {
			return "", svcErr
		}
		return echoMarkup(userText)
	}}
	cfg := testConfig()
	cfg.Concurrency.CancelSiblingsOnFailure = false
	p := newTestPipeline(t, cfg, prov)

	sec := makeSection("ch01",
		"page1 alpha bravo charlie",
		"doomed delta echo foxtrot",
		"page3 golf hotel india",
	)
	doc, fail := p.ProcessSection(context.Background(), sec)
	if doc != nil {
		t.Fatal("expected no document from a failed section")
	}
	if fail == nil {
		t.Fatal("expected a section failure")
	}
	if fail.PageIndex != 2 || fail.Stage != StageGeneration {
		t.Errorf("failure = page %d at %s, want page 2 at generation", fail.PageIndex, fail.Stage)
	}
	if !errors.Is(fail.Err, gen.ErrAttemptsExhausted) {
		t.Errorf("failure error = %v, want attempts exhausted", fail.Err)
	}
	if !errors.Is(fail, ErrSectionFailed) {
		t.Errorf("failure does not match ErrSectionFailed: %v", fail)
	}
}

// Fail-fast cancellation reports the real failure, not a cancelled
// sibling.
func TestProcessSectionFailFastReportsRealFailure(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		if strings.Contains(userText, "doomed") {
			return "", &llm.APIError{Status: 401, Body: "bad key"}
		}
		time.Sleep(30 * time.Millisecond)
		return echoMarkup(userText)
	}}
	p := newTestPipeline(t, testConfig(), prov)

	sec := makeSection("ch01",
		"page1 alpha bravo charlie",
		"doomed delta echo foxtrot",
		"page3 golf hotel india",
		"page4 juliet kilo lima",
	)
	_, fail := p.ProcessSection(context.Background(), sec)
	if fail == nil {
		t.Fatal("expected a section failure")
	}
	if fail.Stage == StageCancelled {
		t.Errorf("reported stage = %s, want the generation failure", fail.Stage)
	}
	if fail.PageIndex != 2 {
		t.Errorf("reported page = %d, want 2", fail.PageIndex)
	}
}

// A page abandoned mid-repair by fail-fast cancellation must not be
// reported as the section's failure: its repair loop ends with malformed
// markup only because the section context was cancelled, and the failure
// must still name the page that actually broke.
func TestProcessSectionCancelledRepairNotMisattributed(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		if strings.Contains(userText, "doomed") {
			return "", &llm.APIError{Status: 401, Body: "bad key"}
		}
		// The sibling's fatal failure lands while this response is in
		// flight, so its malformed markup reaches the repair loop with
		// the section context already cancelled.
		time.Sleep(50 * time.Millisecond)
		return "<p>unclosed", nil
	}}
	p := newTestPipeline(t, testConfig(), prov)

	sec := makeSection("ch01",
		"page1 alpha bravo charlie",
		"doomed delta echo foxtrot",
	)
	_, fail := p.ProcessSection(context.Background(), sec)
	if fail == nil {
		t.Fatal("expected a section failure")
	}
	if fail.PageIndex != 2 || fail.Stage != StageGeneration {
		t.Errorf("failure = page %d at %s, want page 2 at generation", fail.PageIndex, fail.Stage)
	}
}

// blockingRecognizer hangs until the context is cancelled, as a real
// recognition call would when its page worker is abandoned.
type blockingRecognizer struct{}

func (blockingRecognizer) Recognize(ctx context.Context, png []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// A recognizer call aborted by fail-fast cancellation degrades to empty
// text; that must not be reported as an extraction failure of the
// abandoned page.
func TestProcessSectionCancelledExtractionNotMisattributed(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		if strings.Contains(userText, "doomed") {
			return "", &llm.APIError{Status: 401, Body: "bad key"}
		}
		return echoMarkup(userText)
	}}
	p := newTestPipeline(t, testConfig(), prov, WithRecognizer(blockingRecognizer{}))

	sec := makeSection("ch01",
		"@#$% ^^^ ###", // illegible: held in recognition until cancelled
		"doomed delta echo foxtrot",
	)
	_, fail := p.ProcessSection(context.Background(), sec)
	if fail == nil {
		t.Fatal("expected a section failure")
	}
	if fail.PageIndex != 2 || fail.Stage != StageGeneration {
		t.Errorf("failure = page %d at %s, want page 2 at generation", fail.PageIndex, fail.Stage)
	}
}

// Malformed markup that the repair loop fixes still succeeds, with the
// round-trip recorded on the candidate.
func TestProcessSectionRepairedPageSucceeds(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		if strings.Contains(userText, "Broken markup:") {
			return "<p>The goblin attacks with a scimitar</p>", nil
		}
		return "<p>The goblin attacks with a scimitar", nil // unclosed
	}}
	p := newTestPipeline(t, testConfig(), prov)

	sec := makeSection("ch01", "The goblin attacks with a scimitar")
	doc, fail := p.ProcessSection(context.Background(), sec)
	if fail != nil {
		t.Fatalf("ProcessSection failed: %v", fail)
	}
	if doc.Pages[0].Candidate.RepairCount() != 1 {
		t.Errorf("repairs = %d, want 1", doc.Pages[0].Candidate.RepairCount())
	}
}

// Markup that stays malformed after the repair budget fails the page at
// the repair stage.
func TestProcessSectionRepairExhaustedFails(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		return "<p>still broken", nil
	}}
	p := newTestPipeline(t, testConfig(), prov)

	sec := makeSection("ch01", "The goblin attacks with a scimitar")
	_, fail := p.ProcessSection(context.Background(), sec)
	if fail == nil || fail.Stage != StageRepair {
		t.Fatalf("failure = %v, want repair stage", fail)
	}
	if !errors.Is(fail.Err, ErrMalformedMarkup) {
		t.Errorf("error = %v, want ErrMalformedMarkup", fail.Err)
	}
}

// A page whose markup drops most of the source text fails the quality
// gate when page deviation is blocking, and passes (with the verdict
// recorded) when it is advisory.
func TestProcessSectionQualityGatePolicy(t *testing.T) {
	longText := strings.Repeat("alpha bravo charlie delta echo ", 10)
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		return "<p>alpha</p>", nil
	}}

	t.Run("blocking", func(t *testing.T) {
		p := newTestPipeline(t, testConfig(), prov)
		_, fail := p.ProcessSection(context.Background(), makeSection("ch01", longText))
		if fail == nil || fail.Stage != StageQuality {
			t.Fatalf("failure = %v, want quality stage", fail)
		}
		if !errors.Is(fail.Err, ErrQualityDeviation) {
			t.Errorf("error = %v, want ErrQualityDeviation", fail.Err)
		}
	})

	t.Run("advisory", func(t *testing.T) {
		cfg := testConfig()
		cfg.Quality.FailPageOnDeviation = false
		cfg.Quality.FailSectionOnDeviation = false
		p := newTestPipeline(t, cfg, prov)
		doc, fail := p.ProcessSection(context.Background(), makeSection("ch01", longText))
		if fail != nil {
			t.Fatalf("ProcessSection failed: %v", fail)
		}
		if doc.Pages[0].Verdict.Pass {
			t.Error("verdict should record the deviation even when advisory")
		}
	})

	t.Run("section blocking", func(t *testing.T) {
		cfg := testConfig()
		cfg.Quality.FailPageOnDeviation = false
		cfg.Quality.FailSectionOnDeviation = true
		p := newTestPipeline(t, cfg, prov)
		_, fail := p.ProcessSection(context.Background(), makeSection("ch01", longText))
		if fail == nil || fail.Stage != StageQuality {
			t.Fatalf("failure = %v, want section-scope quality failure", fail)
		}
	})
}

// An illegible embedded layer falls back to recognition; the recognized
// tier is recorded on the result.
func TestProcessSectionRecognitionFallback(t *testing.T) {
	prov := &scriptedProvider{respond: echoMarkup}
	rec := &staticRecognizer{text: "The goblin attacks with a scimitar"}
	p := newTestPipeline(t, testConfig(), prov, WithRecognizer(rec))

	sec := makeSection("ch01", "@#$% ^^^ ###")
	doc, fail := p.ProcessSection(context.Background(), sec)
	if fail != nil {
		t.Fatalf("ProcessSection failed: %v", fail)
	}
	if doc.Pages[0].Extracted.Tier != "recognized" {
		t.Errorf("tier = %s, want recognized", doc.Pages[0].Extracted.Tier)
	}
}

// A page with no text from either tier fails at extraction.
func TestProcessSectionEmptyTextFailsExtraction(t *testing.T) {
	prov := &scriptedProvider{respond: echoMarkup}
	rec := &staticRecognizer{err: errors.New("service down")}
	p := newTestPipeline(t, testConfig(), prov, WithRecognizer(rec))

	sec := makeSection("ch01", "@#$% ^^^ ###")
	_, fail := p.ProcessSection(context.Background(), sec)
	if fail == nil || fail.Stage != StageExtraction {
		t.Fatalf("failure = %v, want extraction stage", fail)
	}
}

// Run processes all sections, never aborting siblings, and reports
// ErrRunFailed when any section failed.
func TestRunSiblingSectionsIndependent(t *testing.T) {
	prov := &scriptedProvider{respond: func(userText string) (string, error) {
		if strings.Contains(userText, "doomed") {
			return "", &llm.APIError{Status: 400, Body: "bad request"}
		}
		return echoMarkup(userText)
	}}
	p := newTestPipeline(t, testConfig(), prov)

	book := &source.Book{
		Path: "book.pdf",
		Sections: []source.Section{
			makeSection("ch01", "page1 alpha bravo charlie"),
			makeSection("ch02", "doomed delta echo foxtrot"),
			makeSection("ch03", "page3 golf hotel india"),
		},
	}
	summary, err := p.Run(context.Background(), book)
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("Run error = %v, want ErrRunFailed", err)
	}
	if summary.Attempted != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("summary = %d/%d/%d, want 3 attempted, 2 succeeded, 1 failed",
			summary.Attempted, summary.Succeeded, summary.Failed)
	}

	var failed Outcome
	for _, o := range summary.Outcomes {
		if !o.Succeeded {
			failed = o
		}
	}
	if failed.SectionID != "ch02" || failed.Stage != StageGeneration {
		t.Errorf("failed outcome = %+v", failed)
	}
}

func TestRunAllSucceeded(t *testing.T) {
	prov := &scriptedProvider{respond: echoMarkup}
	p := newTestPipeline(t, testConfig(), prov)

	book := &source.Book{
		Path: "book.pdf",
		Sections: []source.Section{
			makeSection("ch01", "page1 alpha bravo charlie", "page2 delta echo foxtrot"),
			makeSection("ch02", "page3 golf hotel india"),
		},
	}
	summary, err := p.Run(context.Background(), book)
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if summary.Failed != 0 || summary.PagesTotal != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

// With an artifact tree attached, every stage leaves files behind:
// extracted text, each attempt, the final markup, the section document,
// and the run report.
func TestRunPersistsArtifacts(t *testing.T) {
	prov := &scriptedProvider{respond: echoMarkup}
	tree, err := store.NewTree(t.TempDir(), "test-run")
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	p := newTestPipeline(t, testConfig(), prov, WithTree(tree))

	book := &source.Book{
		Path:     "book.pdf",
		Sections: []source.Section{makeSection("ch01", "The goblin attacks with a scimitar")},
	}
	if _, err := p.Run(context.Background(), book); err != nil {
		t.Fatalf("Run error = %v", err)
	}

	for _, rel := range []string{
		"ch01/page-1/extracted-embedded.txt",
		"ch01/page-1/attempt-1.txt",
		"ch01/page-1/final.xml",
		"ch01/section.xml",
		"report.txt",
		"report.xlsx",
	} {
		if _, err := os.Stat(filepath.Join(tree.RunDir(), rel)); err != nil {
			t.Errorf("missing artifact %s: %v", rel, err)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Generation.MaxAttempts = 0
	_, err := New(cfg, WithProvider(&scriptedProvider{}))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New error = %v, want ErrInvalidConfig", err)
	}
}
