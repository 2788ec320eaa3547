package folio

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestReportTalliesMatchOutcomes(t *testing.T) {
	r := NewRunReport("run-1")
	r.Record(Outcome{SectionID: "ch02", Succeeded: true, Pages: 4, Deviation: 0.01})
	r.Record(Outcome{SectionID: "ch01", Succeeded: true, Pages: 3})
	r.Record(Outcome{SectionID: "ch03", Pages: 5, FailedPage: 2, Stage: StageGeneration, Err: "attempts exhausted"})

	s := r.Finalize()
	if s.Attempted != 3 || s.Succeeded != 2 || s.Failed != 1 {
		t.Errorf("tallies = %d/%d/%d", s.Attempted, s.Succeeded, s.Failed)
	}
	if s.PagesTotal != 12 {
		t.Errorf("PagesTotal = %d, want 12", s.PagesTotal)
	}

	// Deterministic ordering regardless of completion order.
	ids := make([]string, len(s.Outcomes))
	for i, o := range s.Outcomes {
		ids[i] = o.SectionID
	}
	if ids[0] != "ch01" || ids[1] != "ch02" || ids[2] != "ch03" {
		t.Errorf("outcome order = %v", ids)
	}
}

func TestReportConcurrentRecord(t *testing.T) {
	r := NewRunReport("run-1")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Record(Outcome{SectionID: "sec", Succeeded: i%2 == 0, Pages: 1})
		}(i)
	}
	wg.Wait()

	s := r.Finalize()
	if s.Attempted != 50 || s.Succeeded != 25 || s.Failed != 25 {
		t.Errorf("tallies = %d/%d/%d", s.Attempted, s.Succeeded, s.Failed)
	}
}

func TestSummaryString(t *testing.T) {
	r := NewRunReport("run-1")
	r.Record(Outcome{SectionID: "ch01", Succeeded: true, Pages: 3, Deviation: 0.02})
	r.Record(Outcome{SectionID: "ch02", Pages: 5, FailedPage: 4, Stage: StageRepair, Err: "markup malformed after repair"})

	out := r.Finalize().String()
	for _, want := range []string{
		"run run-1",
		"1 succeeded, 1 failed",
		"ok   ch01",
		"FAIL ch02",
		"page 4 at repair",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestSummaryWriteXLSX(t *testing.T) {
	r := NewRunReport("run-1")
	r.Record(Outcome{SectionID: "ch01", Succeeded: true, Pages: 3})
	r.Record(Outcome{SectionID: "ch02", Pages: 2, FailedPage: 1, Stage: StageQuality, Err: "deviation"})

	path := filepath.Join(t.TempDir(), "report.xlsx")
	if err := r.Finalize().WriteXLSX(path); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("spreadsheet is empty")
	}
}
