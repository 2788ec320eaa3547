package markup

import (
	"context"
	"errors"
	"testing"

	"github.com/foliopress/folio/extract"
	"github.com/foliopress/folio/source"
)

// fakeRepairer returns scripted responses, one per call.
type fakeRepairer struct {
	responses []string
	errs      []error
	calls     int
	gotBroken []string
	gotSource []string
}

func (f *fakeRepairer) Repair(ctx context.Context, page source.PageSource, broken, sourceText string) (string, error) {
	i := f.calls
	f.calls++
	f.gotBroken = append(f.gotBroken, broken)
	f.gotSource = append(f.gotSource, sourceText)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var resp string
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

type memRecorder struct {
	attempts []int
}

func (m *memRecorder) RecordRepair(page source.PageSource, attempt int, markup string) error {
	m.attempts = append(m.attempts, attempt)
	return nil
}

func testPage() source.PageSource {
	return source.PageSource{SectionID: "ch01", Index: 2, PDFPage: 9, Image: []byte("png")}
}

func testExtract() extract.Result {
	return extract.Result{SectionID: "ch01", PageIndex: 2, Text: "The goblin attacks with a scimitar", Tier: extract.TierEmbedded}
}

func TestRunWellFormedFirstTry(t *testing.T) {
	rep := &fakeRepairer{}
	loop := NewRepairLoop(rep, nil, 1)

	cand := loop.Run(context.Background(), "<p>The goblin attacks</p>", testExtract(), testPage())

	if cand.State != StateWellFormed || !cand.WellFormed {
		t.Fatalf("state = %s, well_formed = %v", cand.State, cand.WellFormed)
	}
	if cand.RepairCount() != 0 {
		t.Errorf("RepairCount = %d, want 0", cand.RepairCount())
	}
	if rep.calls != 0 {
		t.Errorf("repairer called %d times, want 0", rep.calls)
	}
}

func TestRunMalformedOnceThenRepaired(t *testing.T) {
	rep := &fakeRepairer{responses: []string{"<p>The goblin attacks</p>"}}
	rec := &memRecorder{}
	loop := NewRepairLoop(rep, rec, 1)

	cand := loop.Run(context.Background(), "<p>The goblin attacks", testExtract(), testPage())

	if cand.State != StateWellFormed || !cand.WellFormed {
		t.Fatalf("state = %s, well_formed = %v", cand.State, cand.WellFormed)
	}
	if cand.RepairCount() != 1 {
		t.Errorf("RepairCount = %d, want 1", cand.RepairCount())
	}
	if cand.Markup != "<p>The goblin attacks</p>" {
		t.Errorf("Markup = %q", cand.Markup)
	}
	if len(rec.attempts) != 1 || rec.attempts[0] != 1 {
		t.Errorf("recorded attempts = %v, want [1]", rec.attempts)
	}
}

// The repair request must carry both the broken markup and the original
// extracted text. It is a correction, not a re-generation.
func TestRepairRequestCarriesContext(t *testing.T) {
	rep := &fakeRepairer{responses: []string{"<p>ok</p>"}}
	loop := NewRepairLoop(rep, nil, 1)

	broken := "<p>The goblin attacks"
	loop.Run(context.Background(), broken, testExtract(), testPage())

	if rep.gotBroken[0] != broken {
		t.Errorf("repair got broken = %q, want %q", rep.gotBroken[0], broken)
	}
	if rep.gotSource[0] != "The goblin attacks with a scimitar" {
		t.Errorf("repair got source = %q", rep.gotSource[0])
	}
}

func TestRunRepairExhausted(t *testing.T) {
	rep := &fakeRepairer{responses: []string{"<p>still broken", "<p>even worse"}}
	loop := NewRepairLoop(rep, nil, 2)

	cand := loop.Run(context.Background(), "<p>broken", testExtract(), testPage())

	if cand.State != StateRepairExhausted {
		t.Fatalf("state = %s, want %s", cand.State, StateRepairExhausted)
	}
	if cand.WellFormed {
		t.Error("candidate reported well-formed after exhaustion")
	}
	if cand.RepairCount() != 2 {
		t.Errorf("RepairCount = %d, want 2", cand.RepairCount())
	}
	if rep.calls != 2 {
		t.Errorf("repairer called %d times, want 2", rep.calls)
	}
}

func TestRunZeroBudgetFailsImmediately(t *testing.T) {
	rep := &fakeRepairer{}
	loop := NewRepairLoop(rep, nil, 0)

	cand := loop.Run(context.Background(), "<p>broken", testExtract(), testPage())

	if cand.State != StateRepairExhausted {
		t.Fatalf("state = %s, want %s", cand.State, StateRepairExhausted)
	}
	if rep.calls != 0 {
		t.Errorf("repairer called %d times, want 0", rep.calls)
	}
}

// Repair history must be preserved across rounds, never overwritten.
func TestRepairHistoryPreserved(t *testing.T) {
	rep := &fakeRepairer{responses: []string{"<p>round one", "<p>round two</p>"}}
	loop := NewRepairLoop(rep, nil, 2)

	cand := loop.Run(context.Background(), "<p>broken", testExtract(), testPage())

	if len(cand.Repairs) != 2 {
		t.Fatalf("repairs = %d, want 2", len(cand.Repairs))
	}
	if cand.Repairs[0].Markup != "<p>round one" || cand.Repairs[0].WellFormed {
		t.Errorf("round 1 = %+v", cand.Repairs[0])
	}
	if cand.Repairs[1].Markup != "<p>round two</p>" || !cand.Repairs[1].WellFormed {
		t.Errorf("round 2 = %+v", cand.Repairs[1])
	}
	if cand.State != StateWellFormed {
		t.Errorf("state = %s, want %s", cand.State, StateWellFormed)
	}
}

// A failed repair call consumes budget and is recorded with its error.
func TestRepairCallFailureConsumesBudget(t *testing.T) {
	rep := &fakeRepairer{errs: []error{errors.New("service down")}}
	loop := NewRepairLoop(rep, nil, 1)

	cand := loop.Run(context.Background(), "<p>broken", testExtract(), testPage())

	if cand.State != StateRepairExhausted {
		t.Fatalf("state = %s, want %s", cand.State, StateRepairExhausted)
	}
	if len(cand.Repairs) != 1 || cand.Repairs[0].CallError == "" {
		t.Errorf("repairs = %+v, want one attempt with call error", cand.Repairs)
	}
	// The broken markup is kept as the latest candidate.
	if cand.Markup != "<p>broken" {
		t.Errorf("Markup = %q, want original broken markup", cand.Markup)
	}
}

func TestRunFencedResponseCleaned(t *testing.T) {
	rep := &fakeRepairer{responses: []string{"```xml\n<p>fixed</p>\n```"}}
	loop := NewRepairLoop(rep, nil, 1)

	cand := loop.Run(context.Background(), "<p>broken", testExtract(), testPage())

	if !cand.WellFormed {
		t.Fatalf("state = %s, want well-formed", cand.State)
	}
	if cand.Markup != "<p>fixed</p>" {
		t.Errorf("Markup = %q, want fences stripped", cand.Markup)
	}
}
